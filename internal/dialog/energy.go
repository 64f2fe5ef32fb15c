package dialog

import (
	"math"

	"github.com/zaf/g711"
)

// rms computes the root mean square amplitude of a mu-law chunk after
// decoding to 16-bit linear PCM.
func rms(mulaw []byte) float64 {
	if len(mulaw) == 0 {
		return 0
	}
	pcm := g711.DecodeUlaw(mulaw)
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		sum += float64(sample) * float64(sample)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// bargeDetector flags caller speech while a prompt is playing. Telephone
// background noise produces brief energy spikes; real speech holds energy
// across consecutive frames, so a single loud frame is not enough.
type bargeDetector struct {
	threshold float64
	needed    int
	streak    int
}

// newBargeDetector builds a detector requiring `needed` consecutive frames
// above the RMS threshold.
func newBargeDetector(threshold float64, needed int) *bargeDetector {
	if needed < 1 {
		needed = 1
	}
	return &bargeDetector{threshold: threshold, needed: needed}
}

// Feed observes one inbound chunk and reports whether the caller is
// speaking.
func (d *bargeDetector) Feed(mulaw []byte) bool {
	if rms(mulaw) >= d.threshold {
		d.streak++
	} else {
		d.streak = 0
	}
	return d.streak >= d.needed
}

// Reset clears the streak, e.g. when a new prompt starts playing.
func (d *bargeDetector) Reset() {
	d.streak = 0
}
