// Package mock provides a test double for telephony.Provider.
//
// Use Provider to script the SIDs PlaceCall hands out and inspect the calls
// the code under test placed or ended.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxjournal/voxjournal/internal/provider/telephony"
)

// Provider is a mock implementation of telephony.Provider.
type Provider struct {
	mu sync.Mutex

	// SIDs are handed out in order by PlaceCall. When exhausted, PlaceCall
	// generates "mock-call-N" SIDs.
	SIDs []string

	// PlaceCallErr, if non-nil, is returned by every PlaceCall.
	PlaceCallErr error

	// EndCallErr, if non-nil, is returned by every EndCall.
	EndCallErr error

	// PlaceCallRequests records every PlaceCall request in order.
	PlaceCallRequests []telephony.CallRequest

	// EndedSIDs records every SID passed to EndCall in order.
	EndedSIDs []string

	counter int
}

// PlaceCall records the request and returns the next scripted SID.
func (p *Provider) PlaceCall(_ context.Context, req telephony.CallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlaceCallRequests = append(p.PlaceCallRequests, req)
	if p.PlaceCallErr != nil {
		return "", p.PlaceCallErr
	}
	p.counter++
	if len(p.SIDs) > 0 {
		sid := p.SIDs[0]
		p.SIDs = p.SIDs[1:]
		return sid, nil
	}
	return fmt.Sprintf("mock-call-%d", p.counter), nil
}

// EndCall records the SID and returns EndCallErr.
func (p *Provider) EndCall(_ context.Context, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EndCallErr != nil {
		return p.EndCallErr
	}
	p.EndedSIDs = append(p.EndedSIDs, sid)
	return nil
}

// Placed returns the number of calls placed so far.
func (p *Provider) Placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.PlaceCallRequests)
}

var _ telephony.Provider = (*Provider)(nil)
