// Package twilio implements telephony.Provider against the Twilio-compatible
// Programmable Voice REST API (also spoken by SignalWire and friends).
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxjournal/voxjournal/internal/provider/telephony"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Provider implements telephony.Provider via the carrier's REST API.
type Provider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, e.g. for a SignalWire space or a
// test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider authenticated with the given account SID and token.
func New(accountSID, authToken string, opts ...Option) (*Provider, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio: account sid and auth token must not be empty")
	}
	p := &Provider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// callResource is the subset of the carrier's call resource we read.
type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall creates an outbound call. The carrier assigns and returns the
// call SID synchronously; the callee has not been rung yet when this
// returns.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", "POST")
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
		form.Set("StatusCallbackEvent", "initiated,ringing,answered,completed")
		form.Set("StatusCallbackMethod", "POST")
	}
	if req.RecordingURL != "" {
		form.Set("Record", "true")
		form.Set("RecordingStatusCallback", req.RecordingURL)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	res, err := p.postForm(ctx, endpoint, form)
	if err != nil {
		return "", err
	}
	if res.SID == "" {
		return "", fmt.Errorf("twilio: call created without a sid")
	}
	return res.SID, nil
}

// EndCall completes an in-progress call.
func (p *Provider) EndCall(ctx context.Context, sid string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, url.PathEscape(sid))
	_, err := p.postForm(ctx, endpoint, form)
	return err
}

func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) (*callResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("twilio: api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res callResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("twilio: parsing response: %w", err)
	}
	return &res, nil
}

var _ telephony.Provider = (*Provider)(nil)
