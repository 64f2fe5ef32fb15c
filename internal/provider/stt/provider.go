// Package stt defines the Provider interface for streaming
// speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle:
// once opened, a session accepts mu-law audio frames and emits Transcript
// values, low-latency interims for endpointing and authoritative finals for
// the response buffer.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format for a new transcription session.
// Carrier media streams deliver 8 kHz mono mu-law, which is the default.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Encoding names the audio encoding, e.g. "mulaw".
	Encoding string

	// Language is the BCP-47 language tag for recognition.
	Language string
}

// Transcript is one recognition result from the provider.
type Transcript struct {
	// Text is the recognised text, empty for silence-only results.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Interim results may be revised; final results are appended to the
	// response buffer.
	IsFinal bool

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when done with the session; failing to do so
// leaks goroutines and the provider connection. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio bytes in the session's encoding.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel of interim and final transcripts.
	// The channel is closed when the session ends, whether by Close or a
	// provider failure.
	Results() <-chan Transcript

	// Close flushes pending audio and releases the session. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new transcription session. The returned handle
	// accepts audio immediately. The caller owns it and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
