package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// WebhookOptions configures a WebhookSink.
type WebhookOptions struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// WebhookSink posts canonical records as JSON to a consumer endpoint. The
// idempotency key travels in the Idempotency-Key header so the consumer can
// dedupe on its side as well.
type WebhookSink struct {
	opts   WebhookOptions
	client *http.Client
}

func NewWebhookSink(opts WebhookOptions) *WebhookSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &WebhookSink{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

type webhookEnvelope struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Record         *model.CanonicalRecord `json:"record"`
}

func (s *WebhookSink) Send(ctx context.Context, key string, rec *model.CanonicalRecord) (string, error) {
	body, err := json.Marshal(webhookEnvelope{IdempotencyKey: key, Record: rec})
	if err != nil {
		return "", eris.Wrap(err, "webhook: marshal record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "webhook: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if s.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "webhook: send"), 0)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Status, nil
	case resp.StatusCode == http.StatusConflict:
		// Consumer saw this key before: that is the ack we wanted.
		return resp.Status, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return "", resilience.NewTransientError(
			fmt.Errorf("webhook: status %d: %s", resp.StatusCode, respBody), resp.StatusCode)
	default:
		return "", resilience.NewTerminalError(
			fmt.Errorf("webhook: status %d: %s", resp.StatusCode, respBody), resp.StatusCode)
	}
}
