// Package tts defines the Provider interface for speech synthesis backends.
//
// A TTS provider turns prompt text into 8 kHz mono mu-law audio, the format
// carrier media streams speak natively, so synthesised audio can be written
// to the stream without transcoding.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile describes a synthesis voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// SpeedFactor adjusts speaking rate (0.5 to 2.0, 1.0 = default).
	SpeedFactor float64

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as 8 kHz mono mu-law audio bytes.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}
