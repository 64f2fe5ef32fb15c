package llm

import (
	"strconv"
	"strings"
)

// wordValues maps spoken number words to rating values.
var wordValues = map[string]int{
	"zero": 0,
	"one":  1,
	"two":  2,
}

// ParseSpokenRating extracts a -2..2 rating from a transcript without a
// model round trip. It handles digits ("2", "-1") and spoken numbers
// ("two", "negative one", "minus two", "plus one"). It returns nil when
// the speech contains no unambiguous in-range number, which callers treat
// as "no rating given".
func ParseSpokenRating(speech string) *int {
	cleaned := strings.ToLower(strings.TrimSpace(speech))
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?':
			return -1
		}
		return r
	}, cleaned)

	words := strings.Fields(cleaned)
	var found *int
	negate := false
	for i := 0; i < len(words); i++ {
		w := words[i]

		if w == "negative" || w == "minus" {
			negate = true
			continue
		}
		if w == "plus" || w == "positive" {
			negate = false
			continue
		}

		val, ok := wordValues[w]
		if !ok {
			if n, err := strconv.Atoi(w); err == nil {
				val, ok = n, true
				if n < 0 {
					val, negate = -n, true
				}
			}
		}
		if !ok {
			negate = false
			continue
		}

		if negate {
			val = -val
		}
		negate = false
		if val < -2 || val > 2 {
			continue
		}
		if found != nil && *found != val {
			// Two different numbers in one utterance is ambiguous.
			return nil
		}
		v := val
		found = &v
	}
	return found
}
