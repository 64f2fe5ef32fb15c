package llm

import "testing"

func intPtr(v int) *int { return &v }

func TestParseSpokenRating(t *testing.T) {
	tests := []struct {
		speech string
		want   *int
	}{
		{"two", intPtr(2)},
		{"zero", intPtr(0)},
		{"one", intPtr(1)},
		{"negative two", intPtr(-2)},
		{"minus one", intPtr(-1)},
		{"plus one", intPtr(1)},
		{"2", intPtr(2)},
		{"-1", intPtr(-1)},
		{"I'd say it was a two.", intPtr(2)},
		{"probably negative one, yeah", intPtr(-1)},
		{"it was okay", nil},
		{"", nil},
		{"five", nil},
		{"3", nil},
		{"negative three", nil},
		{"one or two", nil},
		{"two, definitely two", intPtr(2)},
		{"negative, hmm, one", intPtr(1)},
	}

	for _, tt := range tests {
		t.Run(tt.speech, func(t *testing.T) {
			got := ParseSpokenRating(tt.speech)
			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Errorf("ParseSpokenRating(%q) = %v, want %v", tt.speech, got, tt.want)
			case *got != *tt.want:
				t.Errorf("ParseSpokenRating(%q) = %d, want %d", tt.speech, *got, *tt.want)
			}
		})
	}
}
