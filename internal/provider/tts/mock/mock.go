// Package mock provides a test double for tts.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/voxjournal/voxjournal/internal/provider/tts"
)

// SynthesizeCall records a single Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider. By default every call
// returns Audio; set SynthesizeErr to exercise failure paths.
type Provider struct {
	mu sync.Mutex

	// Audio is returned from every successful Synthesize call. If nil, a
	// short fixed mu-law silence clip is returned.
	Audio []byte

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeCalls records every call in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the scripted audio.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	// 0xFF is mu-law digital silence.
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	return silence, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

var _ tts.Provider = (*Provider)(nil)
