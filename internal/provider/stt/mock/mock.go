// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/voxjournal/voxjournal/internal/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by StartStream. If nil, StartStream
	// returns a new Session with a buffered results channel.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned from StartStream.
	StartStreamErr error

	// StartStreamCalls records the StreamConfig of every StartStream call.
	StartStreamCalls []stt.StreamConfig
}

// StartStream records the call and returns Session or a fresh default.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests push
// transcripts with Emit and close the stream with Close.
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results. NewSession buffers it.
	ResultsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SentChunks records a copy of every audio chunk delivered.
	SentChunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// NewSession creates a Session with a buffered results channel.
func NewSession() *Session {
	return &Session{ResultsCh: make(chan stt.Transcript, 16)}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentChunks = append(s.SentChunks, cp)
	return nil
}

// Results returns the scripted results channel.
func (s *Session) Results() <-chan stt.Transcript { return s.ResultsCh }

// Emit pushes a transcript to the results channel.
func (s *Session) Emit(t stt.Transcript) {
	s.ResultsCh <- t
}

// Close closes the results channel once and counts the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.ResultsCh)
	}
	return nil
}

var _ stt.SessionHandle = (*Session)(nil)
