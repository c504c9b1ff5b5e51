package cost

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/store"
)

// ProviderSpend is one provider's contribution to a day's spend.
type ProviderSpend struct {
	Calls int     `json:"calls"`
	USD   float64 `json:"usd"`
}

// Report summarizes one UTC day of provider spend against the daily cap.
type Report struct {
	Day        string                   `json:"day"`
	ByProvider map[string]ProviderSpend `json:"by_provider"`
	ByClass    map[string]float64       `json:"by_class"`
	TotalUSD   float64                  `json:"total_usd"`

	CapUSD      float64 `json:"cap_usd"`
	CapFraction float64 `json:"cap_fraction"`
	// ProjectedDayUSD extrapolates the current day's spend to midnight; for a
	// past day it equals TotalUSD.
	ProjectedDayUSD float64 `json:"projected_day_usd"`
	// Warn is set once spend crosses the warn fraction of the cap.
	Warn bool `json:"warn"`
}

// Reporter builds daily spend reports from persisted attempt history.
type Reporter struct {
	store   store.Store
	rates   Rates
	nowFunc func() time.Time
}

func NewReporter(st store.Store, rates Rates) *Reporter {
	return &Reporter{store: st, rates: rates, nowFunc: time.Now}
}

// Daily aggregates every attempt that started within the given UTC day.
func (r *Reporter) Daily(ctx context.Context, day time.Time) (*Report, error) {
	day = day.UTC()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	tasks, err := r.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "cost: list tasks")
	}

	rep := &Report{
		Day:        dayStart.Format("2006-01-02"),
		ByProvider: map[string]ProviderSpend{},
		ByClass:    map[string]float64{},
		CapUSD:     r.rates.DailyCapUSD,
	}
	calc := NewCalculator(r.rates)

	for _, task := range tasks {
		for _, a := range task.Attempts {
			if a.StartedAt.Before(dayStart) || !a.StartedAt.Before(dayEnd) {
				continue
			}
			if a.CostUSD == 0 {
				continue
			}
			ps := rep.ByProvider[a.Provider]
			ps.Calls++
			ps.USD += a.CostUSD
			rep.ByProvider[a.Provider] = ps
			rep.ByClass[calc.Class(a.Provider)] += a.CostUSD
			rep.TotalUSD += a.CostUSD
		}
	}

	rep.ProjectedDayUSD = rep.TotalUSD
	now := r.nowFunc().UTC()
	if now.After(dayStart) && now.Before(dayEnd) {
		elapsed := now.Sub(dayStart)
		if elapsed > time.Minute {
			rep.ProjectedDayUSD = rep.TotalUSD * float64(24*time.Hour) / float64(elapsed)
		}
	}

	if rep.CapUSD > 0 {
		rep.CapFraction = rep.TotalUSD / rep.CapUSD
		warnAt := r.rates.WarnFraction
		if warnAt <= 0 {
			warnAt = 0.8
		}
		rep.Warn = rep.CapFraction >= warnAt
	}

	return rep, nil
}
