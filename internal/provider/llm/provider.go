// Package llm defines the Provider interface for the language-model
// judgments the dialog runtime needs: deciding whether a caller has
// finished answering a prompt, and extracting a numeric day rating from
// free-form speech.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"time"
)

// CompletionJudgment is the model's verdict on whether a response is done.
type CompletionJudgment struct {
	// IsComplete reports whether the caller appears to have finished their
	// thought.
	IsComplete bool

	// Confidence is the model's confidence in [0, 1].
	Confidence float64

	// Reason is a short model-provided explanation, kept for logs.
	Reason string
}

// RatingJudgment is the model's reading of a spoken day rating.
type RatingJudgment struct {
	// Rating is the extracted value in [-2, 2], or nil when the speech
	// contains no usable number.
	Rating *int

	// Confidence is the model's confidence in [0, 1].
	Confidence float64

	// Reason is a short model-provided explanation, kept for logs.
	Reason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// CheckCompletion judges whether the buffered response to a prompt
	// represents a finished thought. pause is how long the caller has been
	// silent; a longer pause biases toward completion.
	CheckCompletion(ctx context.Context, prompt, response string, pause time.Duration) (*CompletionJudgment, error)

	// ExtractRating reads a -2..2 day rating out of free-form speech.
	// Speech with no usable number yields a nil Rating, not an error.
	ExtractRating(ctx context.Context, speech string) (*RatingJudgment, error)
}
