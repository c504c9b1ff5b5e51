package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBudgetWarning  AlertType = "budget_warning"
	AlertBudgetExceeded AlertType = "budget_exceeded"
	AlertFailureRate    AlertType = "failure_rate"
	AlertCircuitOpen    AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Per-class budget warnings and overruns.
	warnFraction := a.cfg.WarnFraction
	if warnFraction <= 0 {
		warnFraction = 0.8
	}
	for class, cs := range snap.Budget {
		if cs.CapUSD <= 0 {
			continue
		}
		switch {
		case cs.CommittedUSD >= cs.CapUSD:
			alerts = append(alerts, Alert{
				Type:     AlertBudgetExceeded,
				Severity: "high",
				Message: fmt.Sprintf(
					"budget class %q exhausted: $%.2f committed of $%.2f daily cap",
					class, cs.CommittedUSD, cs.CapUSD,
				),
				Details: map[string]any{
					"class":         class,
					"committed_usd": cs.CommittedUSD,
					"cap_usd":       cs.CapUSD,
				},
				Timestamp: now,
			})
		case cs.CommittedUSD >= warnFraction*cs.CapUSD:
			alerts = append(alerts, Alert{
				Type:     AlertBudgetWarning,
				Severity: "medium",
				Message: fmt.Sprintf(
					"budget class %q at %.0f%% of $%.2f daily cap ($%.2f committed, $%.2f projected by end of day)",
					class, 100*cs.CommittedUSD/cs.CapUSD, cs.CapUSD, cs.CommittedUSD, snap.ProjectedDayUSD,
				),
				Details: map[string]any{
					"class":             class,
					"committed_usd":     cs.CommittedUSD,
					"cap_usd":           cs.CapUSD,
					"projected_day_usd": snap.ProjectedDayUSD,
				},
				Timestamp: now,
			})
		}
	}

	// Failure rate over finished tasks.
	finished := snap.Delivered + snap.Failed
	if a.cfg.FailureRateThreshold > 0 && finished >= 5 && snap.FailRate() > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.FailRate()*100, a.cfg.FailureRateThreshold*100, snap.Failed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate(),
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Open circuits.
	for name, state := range snap.Circuits {
		if state != "open" {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("circuit breaker open for provider %q", name),
			Details: map[string]any{
				"provider": name,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
