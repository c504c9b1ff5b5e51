// Package monitoring exposes pull-based progress and cost snapshots plus
// threshold alerting over them. Nothing here sits on the task hot path; a
// snapshot is computed on demand from the store, ledger, and breakers.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/budget"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/store"
)

// Snapshot holds a point-in-time view of run progress, spend, and circuit
// health.
type Snapshot struct {
	// Task counts by state.
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`

	// Spend per budget class, today.
	Budget map[string]budget.ClassSnapshot `json:"budget"`
	// SpendUSD is today's committed spend across all classes.
	SpendUSD float64 `json:"spend_usd"`
	// ProjectedDayUSD extrapolates today's spend over the full UTC day.
	ProjectedDayUSD float64 `json:"projected_day_usd"`

	// Circuit state per provider.
	Circuits map[string]string `json:"circuits"`

	CollectedAt time.Time `json:"collected_at"`
}

// FailRate is failed over finished tasks.
func (s *Snapshot) FailRate() float64 {
	finished := s.Delivered + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Failed) / float64(finished)
}

// Collector gathers snapshots from the store, the budget ledger, and the
// provider breakers.
type Collector struct {
	store    store.Store
	ledger   *budget.Ledger
	breakers *resilience.ProviderBreakers
	nowFunc  func() time.Time
}

func NewCollector(st store.Store, ledger *budget.Ledger, breakers *resilience.ProviderBreakers) *Collector {
	return &Collector{store: st, ledger: ledger, breakers: breakers, nowFunc: time.Now}
}

// Collect computes a fresh snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{
		Budget:      map[string]budget.ClassSnapshot{},
		Circuits:    map[string]string{},
		CollectedAt: now,
	}

	counts, err := c.store.CountTasksByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count tasks")
	}
	snap.Pending = counts[model.TaskStatePending]
	snap.InFlight = counts[model.TaskStateInFlight]
	snap.Delivered = counts[model.TaskStateDelivered]
	snap.Failed = counts[model.TaskStateFailed]
	snap.Cancelled = counts[model.TaskStateCancelled]
	for _, n := range counts {
		snap.Total += n
	}

	if c.ledger != nil {
		snap.Budget = c.ledger.Snapshot()
		for _, cs := range snap.Budget {
			snap.SpendUSD += cs.CommittedUSD
		}
		elapsed := now.Sub(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
		if elapsed > time.Minute {
			snap.ProjectedDayUSD = snap.SpendUSD * float64(24*time.Hour) / float64(elapsed)
		} else {
			snap.ProjectedDayUSD = snap.SpendUSD
		}
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			snap.Circuits[name] = state.String()
		}
	}

	return snap, nil
}
