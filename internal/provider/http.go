package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// HTTPOptions configures an HTTP-backed provider.
type HTTPOptions struct {
	Name        string
	Class       string
	BaseURL     string
	APIKey      string
	CostPerCall float64
	Timeout     time.Duration
	RatePerSec  float64
	Burst       int
}

// HTTPProvider adapts a webhook-style research API to the Provider interface.
// The wire contract is a POST of the entity identity returning
// {"fields": {...}, "cost_usd": n}. Responses are classified into transient
// and terminal failures by HTTP status so the retry controller and circuit
// breaker can do their jobs.
type HTTPProvider struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *AdaptiveLimiter
}

// NewHTTP creates an HTTP provider with an adaptive per-provider rate limiter.
func NewHTTP(opts HTTPOptions) *HTTPProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &HTTPProvider{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
}

func (p *HTTPProvider) Name() string { return p.opts.Name }

func (p *HTTPProvider) Class() string { return p.opts.Class }

func (p *HTTPProvider) EstimatedCostUSD() float64 { return p.opts.CostPerCall }

type attemptRequest struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Domain   string            `json:"domain"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type attemptResponse struct {
	Fields  map[string]string `json:"fields"`
	CostUSD float64           `json:"cost_usd"`
	Error   string            `json:"error,omitempty"`
}

// Attempt posts the entity to the provider endpoint and normalizes the reply.
func (p *HTTPProvider) Attempt(ctx context.Context, entity model.Entity) (*Payload, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: rate limit wait", p.opts.Name)
	}

	body, err := json.Marshal(attemptRequest{
		ID:       entity.ID,
		Name:     entity.Name,
		Domain:   entity.Domain,
		Metadata: entity.Metadata,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "%s: marshal request", p.opts.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: build request", p.opts.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// net/http errors are inspected by resilience.IsTransient.
		return nil, eris.Wrapf(err, "%s: request", p.opts.Name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: read body", p.opts.Name), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		p.limiter.OnRateLimit()
		return nil, resilience.NewTransientError(
			fmt.Errorf("%s: rate limited: %s", p.opts.Name, truncate(raw)), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			fmt.Errorf("%s: status %d: %s", p.opts.Name, resp.StatusCode, truncate(raw)), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, resilience.NewTerminalError(
			fmt.Errorf("%s: status %d: %s", p.opts.Name, resp.StatusCode, truncate(raw)), resp.StatusCode)
	}

	var parsed attemptResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resilience.NewTerminalError(eris.Wrapf(err, "%s: decode response", p.opts.Name), resp.StatusCode)
	}
	if parsed.Error != "" {
		return nil, resilience.NewTerminalError(
			fmt.Errorf("%s: provider rejected entity: %s", p.opts.Name, parsed.Error), resp.StatusCode)
	}

	p.limiter.OnSuccess()

	cost := parsed.CostUSD
	if cost == 0 {
		cost = p.opts.CostPerCall
	}
	return &Payload{
		Provider: p.opts.Name,
		Fields:   parsed.Fields,
		CostUSD:  cost,
		Raw:      raw,
	}, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
