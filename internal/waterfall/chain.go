// Package waterfall implements the cost-aware provider fallback chain:
// cheapest provider first, escalating to more capable (and expensive) ones
// only on terminal failure, budget block, circuit block, or a quality-gate
// rejection.
package waterfall

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/budget"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/provider"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// ErrChainExhausted is returned when every provider in the chain was blocked
// or failed terminally and no payload was obtained.
var ErrChainExhausted = eris.New("waterfall: provider chain exhausted")

// QualityGate decides whether a successful cheap-provider payload is good
// enough to stop escalating. A nil gate accepts any success.
type QualityGate func(*provider.Payload) bool

// MinFields returns a gate requiring at least n non-empty payload fields.
// The original workflow escalated to the premium tier when cheap extraction
// came back sparse; this is the concrete form of that policy.
func MinFields(n int) QualityGate {
	return func(p *provider.Payload) bool {
		count := 0
		for _, v := range p.Fields {
			if v != "" {
				count++
			}
		}
		return count >= n
	}
}

// Chain walks an ordered provider list for one task, consulting the budget
// ledger and circuit breaker before every attempt.
type Chain struct {
	providers []provider.Provider
	ledger    *budget.Ledger
	breakers  *resilience.ProviderBreakers
	retryCfg  resilience.RetryConfig
	gate      QualityGate
}

// NewChain creates a fallback chain. Providers must be ordered cheapest first.
func NewChain(providers []provider.Provider, ledger *budget.Ledger, breakers *resilience.ProviderBreakers, retryCfg resilience.RetryConfig, gate QualityGate) *Chain {
	return &Chain{
		providers: providers,
		ledger:    ledger,
		breakers:  breakers,
		retryCfg:  retryCfg,
		gate:      gate,
	}
}

// Result is the outcome of walking the chain for one entity.
type Result struct {
	// Payloads holds every accepted payload in escalation order. More than
	// one entry means an earlier quality-gate partial accept was superseded
	// by a later provider; the aggregator merges them.
	Payloads []*provider.Payload
	// Attempts is the full per-attempt history, including budget/circuit
	// skips, suitable for appending to the task.
	Attempts []model.ProviderAttempt
}

// Run drives one entity through the chain. On success the returned Result has
// at least one payload; ErrChainExhausted means every provider was skipped or
// failed and nothing usable was obtained.
func (c *Chain) Run(ctx context.Context, entity model.Entity) (*Result, error) {
	log := zap.L().With(zap.String("entity", entity.ID))
	res := &Result{}

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// Budget gate: reserve the worst-case cost before calling.
		reservation, err := c.ledger.Reserve(p.Class(), p.EstimatedCostUSD())
		if err != nil {
			if !eris.Is(err, budget.ErrBudgetExceeded) {
				return res, eris.Wrap(err, "waterfall: reserve budget")
			}
			log.Info("waterfall: provider skipped, budget blocked",
				zap.String("provider", p.Name()),
				zap.String("class", p.Class()),
			)
			res.Attempts = append(res.Attempts, skipAttempt(p.Name(), model.OutcomeBudgetBlocked, err))
			continue
		}

		// Circuit gate: a tripped breaker skips the provider without an attempt.
		cb := c.breakers.Get(p.Name())
		if err := cb.Allow(); err != nil {
			reservation.Release()
			log.Info("waterfall: provider skipped, circuit open",
				zap.String("provider", p.Name()),
			)
			res.Attempts = append(res.Attempts, skipAttempt(p.Name(), model.OutcomeCircuitOpen, err))
			continue
		}

		payload, err := c.attemptProvider(ctx, p, cb, entity, &res.Attempts)
		if err != nil {
			reservation.Release()
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			// Terminal failure, retry exhaustion, or a circuit that opened
			// mid-retry: escalate to the next provider.
			log.Warn("waterfall: provider failed, escalating",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}

		reservation.Commit(payload.CostUSD)

		if c.gate != nil && !c.gate(payload) {
			// Partial accept: keep the payload, escalate for better data.
			log.Info("waterfall: quality gate rejected payload, escalating",
				zap.String("provider", p.Name()),
				zap.Int("fields", len(payload.Fields)),
			)
			res.Payloads = append(res.Payloads, payload)
			continue
		}

		res.Payloads = append(res.Payloads, payload)
		return res, nil
	}

	// Chain exhausted. Earlier quality-gate partial accepts still count as a
	// usable (if imperfect) result; data is never dropped.
	if len(res.Payloads) > 0 {
		log.Info("waterfall: chain exhausted with partial payloads",
			zap.Int("payloads", len(res.Payloads)),
		)
		return res, nil
	}
	return res, ErrChainExhausted
}

// attemptProvider wraps one provider in the retry controller and the circuit
// breaker, appending one ProviderAttempt record per raw attempt.
func (c *Chain) attemptProvider(ctx context.Context, p provider.Provider, cb *resilience.CircuitBreaker, entity model.Entity, history *[]model.ProviderAttempt) (*provider.Payload, error) {
	attemptNo := 0

	cfg := c.retryCfg
	cfg.OnRetry = resilience.RetryLogger(p.Name(), "attempt")

	payload, _, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*provider.Payload, error) {
		// Re-check the breaker on every retry; it may have been tripped by
		// sibling tasks since the last attempt.
		if attemptNo > 0 {
			if err := cb.Allow(); err != nil {
				return nil, err
			}
		}
		attemptNo++

		start := time.Now().UTC()
		pl, attemptErr := p.Attempt(ctx, entity)
		cb.Record(attemptErr)

		rec := model.ProviderAttempt{
			Provider:  p.Name(),
			Attempt:   attemptNo,
			StartedAt: start,
			EndedAt:   time.Now().UTC(),
			Outcome:   classifyAttempt(attemptErr),
		}
		if attemptErr != nil {
			rec.Error = attemptErr.Error()
		} else if pl != nil {
			rec.CostUSD = pl.CostUSD
		}
		*history = append(*history, rec)

		return pl, attemptErr
	})
	return payload, err
}

func classifyAttempt(err error) model.OutcomeKind {
	switch resilience.Classify(err) {
	case resilience.ClassSuccess:
		return model.OutcomeSuccess
	case resilience.ClassRetryable:
		return model.OutcomeRetryableFailure
	default:
		return model.OutcomeTerminalFailure
	}
}

func skipAttempt(providerName string, outcome model.OutcomeKind, err error) model.ProviderAttempt {
	now := time.Now().UTC()
	return model.ProviderAttempt{
		Provider:  providerName,
		Attempt:   0,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   outcome,
		Error:     err.Error(),
	}
}
