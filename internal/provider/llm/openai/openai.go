// Package openai implements llm.Provider using the OpenAI chat completions
// API in JSON mode, so every judgment comes back as a machine-readable
// object rather than prose.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/voxjournal/voxjournal/internal/provider/llm"
)

const defaultModel = "gpt-4o-mini"

// Option is a functional option for the Provider.
type Option func(*config)

type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API base URL, e.g. for a test server.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements llm.Provider backed by OpenAI.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs an OpenAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

const completionSystemPrompt = `You judge whether a journaling caller has finished answering a reflection prompt.
You receive the prompt, the transcript so far, and how many seconds the caller has been silent.
A longer silence after a grammatically complete thought means they are done. Trailing fillers
("um", "and", "so") or an unfinished clause mean they are not.
Respond with JSON: {"is_complete": bool, "confidence": number between 0 and 1, "reason": string}.`

type completionResult struct {
	IsComplete bool    `json:"is_complete"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// CheckCompletion judges whether the buffered response is a finished thought.
func (p *Provider) CheckCompletion(ctx context.Context, prompt, response string, pause time.Duration) (*llm.CompletionJudgment, error) {
	user := fmt.Sprintf("Prompt: %s\n\nTranscript so far: %s\n\nSeconds of silence: %.0f",
		prompt, response, pause.Seconds())

	var result completionResult
	if err := p.completeJSON(ctx, completionSystemPrompt, user, &result); err != nil {
		return nil, fmt.Errorf("openai: completion check: %w", err)
	}
	return &llm.CompletionJudgment{
		IsComplete: result.IsComplete,
		Confidence: clamp01(result.Confidence),
		Reason:     result.Reason,
	}, nil
}

const ratingSystemPrompt = `You extract a day rating from what a journaling caller said.
The rating scale is the integers -2, -1, 0, 1, 2. Callers may speak digits ("two"), signed
numbers ("negative one"), or describe the day without a number ("it was okay"). Only extract
a rating when the caller clearly stated an in-range number; descriptions without a number have
no rating. Respond with JSON: {"rating": integer or null, "confidence": number between 0 and 1,
"reason": string}.`

type ratingResult struct {
	Rating     *int    `json:"rating"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ExtractRating reads a -2..2 rating out of free-form speech. The model
// call is skipped when the transcript parses unambiguously on its own.
func (p *Provider) ExtractRating(ctx context.Context, speech string) (*llm.RatingJudgment, error) {
	if r := llm.ParseSpokenRating(speech); r != nil {
		return &llm.RatingJudgment{Rating: r, Confidence: 1, Reason: "parsed from transcript"}, nil
	}

	var result ratingResult
	if err := p.completeJSON(ctx, ratingSystemPrompt, "Caller said: "+speech, &result); err != nil {
		return nil, fmt.Errorf("openai: rating extraction: %w", err)
	}
	if result.Rating != nil && (*result.Rating < -2 || *result.Rating > 2) {
		result.Rating = nil
		result.Reason = "model returned out-of-range rating"
	}
	return &llm.RatingJudgment{
		Rating:     result.Rating,
		Confidence: clamp01(result.Confidence),
		Reason:     result.Reason,
	}, nil
}

func (p *Provider) completeJSON(ctx context.Context, system, user string, out any) error {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("empty choices in response")
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("parsing model json: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ llm.Provider = (*Provider)(nil)
