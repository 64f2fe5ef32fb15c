// Package mock provides a test double for llm.Provider.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxjournal/voxjournal/internal/provider/llm"
)

// CheckCompletionCall records a single CheckCompletion invocation.
type CheckCompletionCall struct {
	Prompt   string
	Response string
	Pause    time.Duration
}

// Provider is a mock implementation of llm.Provider.
//
// Judgments are scripted: CompletionJudgments are consumed in order, then
// the zero-value default (complete, full confidence) applies. The same goes
// for RatingJudgments.
type Provider struct {
	mu sync.Mutex

	// CompletionJudgments are handed out in order by CheckCompletion. When
	// exhausted, a judgment of complete with confidence 1 is returned.
	CompletionJudgments []llm.CompletionJudgment

	// RatingJudgments are handed out in order by ExtractRating. When
	// exhausted, ExtractRating falls back to the transcript parser.
	RatingJudgments []llm.RatingJudgment

	// CheckCompletionErr, if non-nil, is returned by every CheckCompletion.
	CheckCompletionErr error

	// ExtractRatingErr, if non-nil, is returned by every ExtractRating.
	ExtractRatingErr error

	// CheckCompletionCalls records every CheckCompletion call in order.
	CheckCompletionCalls []CheckCompletionCall

	// ExtractRatingCalls records the speech passed to every ExtractRating.
	ExtractRatingCalls []string
}

// CheckCompletion records the call and returns the next scripted judgment.
func (p *Provider) CheckCompletion(_ context.Context, prompt, response string, pause time.Duration) (*llm.CompletionJudgment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CheckCompletionCalls = append(p.CheckCompletionCalls, CheckCompletionCall{
		Prompt: prompt, Response: response, Pause: pause,
	})
	if p.CheckCompletionErr != nil {
		return nil, p.CheckCompletionErr
	}
	if len(p.CompletionJudgments) > 0 {
		j := p.CompletionJudgments[0]
		p.CompletionJudgments = p.CompletionJudgments[1:]
		return &j, nil
	}
	return &llm.CompletionJudgment{IsComplete: true, Confidence: 1}, nil
}

// ExtractRating records the call and returns the next scripted judgment,
// falling back to the transcript parser when none remain.
func (p *Provider) ExtractRating(_ context.Context, speech string) (*llm.RatingJudgment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtractRatingCalls = append(p.ExtractRatingCalls, speech)
	if p.ExtractRatingErr != nil {
		return nil, p.ExtractRatingErr
	}
	if len(p.RatingJudgments) > 0 {
		j := p.RatingJudgments[0]
		p.RatingJudgments = p.RatingJudgments[1:]
		return &j, nil
	}
	return &llm.RatingJudgment{Rating: llm.ParseSpokenRating(speech), Confidence: 1}, nil
}

var _ llm.Provider = (*Provider)(nil)
