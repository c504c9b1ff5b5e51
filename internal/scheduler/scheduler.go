// Package scheduler admits entities as tasks and drives them through the
// provider chain, aggregation, and delivery in bounded-parallelism batches.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-orchestrator/internal/aggregate"
	"github.com/sells-group/research-orchestrator/internal/delivery"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/store"
	"github.com/sells-group/research-orchestrator/internal/waterfall"
)

// Options tunes batch shape and shutdown behavior.
type Options struct {
	// BatchSize is the number of tasks admitted per batch.
	BatchSize int
	// MaxParallel bounds concurrently running tasks within a batch.
	MaxParallel int
	// GracePeriod is how long final state persistence may take after the run
	// context is cancelled.
	GracePeriod time.Duration
}

// DefaultOptions mirrors the batch shape the pipeline was tuned for.
func DefaultOptions() Options {
	return Options{
		BatchSize:   25,
		MaxParallel: 4,
		GracePeriod: 10 * time.Second,
	}
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	return o
}

// Report is the per-entity outcome of one run.
type Report struct {
	EntityID     string            `json:"entity_id"`
	State        model.TaskState   `json:"state"`
	Outcome      model.OutcomeKind `json:"outcome"`
	LastProvider string            `json:"last_provider,omitempty"`
	FailureKind  model.OutcomeKind `json:"failure_kind,omitempty"`
	CostUSD      float64           `json:"cost_usd"`
}

// Summary rolls a whole run up.
type Summary struct {
	Total     int      `json:"total"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Cancelled int      `json:"cancelled"`
	Skipped   int      `json:"skipped"`
	CostUSD   float64  `json:"cost_usd"`
	Reports   []Report `json:"reports"`
}

// Scheduler coordinates the chain, aggregator, deliverer, and store for a run.
type Scheduler struct {
	store     store.Store
	chain     *waterfall.Chain
	deliverer *delivery.Deliverer
	opts      Options

	mu      sync.Mutex
	summary Summary
}

func New(st store.Store, chain *waterfall.Chain, deliverer *delivery.Deliverer, opts Options) *Scheduler {
	return &Scheduler{
		store:     st,
		chain:     chain,
		deliverer: deliverer,
		opts:      opts.normalized(),
	}
}

// Run processes the entities batch by batch. Entities whose task is already
// delivered in the store are skipped, which is what makes an interrupted run
// resumable. Cancellation stops admission of new work immediately; tasks
// already in flight are finalized within the grace period.
func (s *Scheduler) Run(ctx context.Context, entities []model.Entity) (*Summary, error) {
	s.mu.Lock()
	s.summary = Summary{}
	s.mu.Unlock()

	log := zap.L()
	valid := entities[:0:0]
	for _, e := range entities {
		if !e.Valid() {
			log.Warn("scheduler: skipping invalid entity", zap.String("id", e.ID), zap.String("name", e.Name))
			continue
		}
		valid = append(valid, e)
	}

	for start := 0; start < len(valid); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[start:end]

		if err := ctx.Err(); err != nil {
			s.cancelRemaining(valid[start:])
			return s.finish(), err
		}

		log.Info("scheduler: starting batch",
			zap.Int("batch_start", start),
			zap.Int("batch_size", len(batch)),
			zap.Int("max_parallel", s.opts.MaxParallel),
		)

		var g errgroup.Group
		g.SetLimit(s.opts.MaxParallel)
		for _, entity := range batch {
			entity := entity
			g.Go(func() error {
				s.runTask(ctx, entity)
				return nil
			})
		}
		g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return s.finish(), err
	}
	return s.finish(), nil
}

func (s *Scheduler) finish() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.summary
	out.Reports = append([]Report(nil), s.summary.Reports...)
	return &out
}

// graceCtx is detached from run cancellation so final writes still land.
func (s *Scheduler) graceCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.GracePeriod)
}

// cancelRemaining marks not-yet-started tasks cancelled so a later resume can
// tell them apart from never-admitted entities.
func (s *Scheduler) cancelRemaining(entities []model.Entity) {
	gctx, cancel := s.graceCtx(context.Background())
	defer cancel()

	for _, e := range entities {
		task, err := s.store.GetTask(gctx, e.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				continue
			}
			task = model.NewTask(e)
		}
		if task.State.Terminal() {
			if task.State == model.TaskStateDelivered {
				s.record(Report{EntityID: e.ID, State: task.State, Outcome: task.Outcome})
			} else {
				s.record(Report{EntityID: e.ID, State: task.State, Outcome: task.Outcome, FailureKind: task.FailureKind})
			}
			continue
		}
		task.Finish(model.TaskStateCancelled, model.OutcomeCancelled)
		if err := s.store.UpsertTask(gctx, task); err != nil {
			zap.L().Error("scheduler: persist cancelled task", zap.String("entity", e.ID), zap.Error(err))
		}
		s.record(Report{EntityID: e.ID, State: model.TaskStateCancelled, Outcome: model.OutcomeCancelled, FailureKind: model.OutcomeCancelled})
	}
}

func (s *Scheduler) runTask(ctx context.Context, entity model.Entity) {
	log := zap.L().With(zap.String("entity", entity.ID))

	task := s.admit(ctx, entity)
	if task == nil {
		return
	}

	task.Begin()
	if err := s.store.UpsertTask(ctx, task); err != nil && ctx.Err() == nil {
		log.Error("scheduler: persist in-flight task", zap.Error(err))
	}

	res, err := s.chain.Run(ctx, entity)
	if res != nil {
		for _, a := range res.Attempts {
			task.RecordAttempt(a)
		}
	}

	switch {
	case ctx.Err() != nil:
		s.finalize(ctx, task, model.TaskStateCancelled, model.OutcomeCancelled)
		return
	case err != nil:
		outcome := model.OutcomeUnreachable
		if !eris.Is(err, waterfall.ErrChainExhausted) {
			outcome = model.OutcomeTerminalFailure
		}
		log.Warn("scheduler: task failed in provider chain", zap.Error(err))
		s.finalize(ctx, task, model.TaskStateFailed, outcome)
		return
	}

	record, err := aggregate.Merge(entity, res.Payloads)
	if err != nil {
		log.Error("scheduler: aggregate failed", zap.Error(err))
		s.finalize(ctx, task, model.TaskStateFailed, model.OutcomeTerminalFailure)
		return
	}
	task.Record = record

	if _, err := s.deliverer.Deliver(ctx, record); err != nil {
		if ctx.Err() != nil {
			s.finalize(ctx, task, model.TaskStateCancelled, model.OutcomeCancelled)
			return
		}
		log.Warn("scheduler: delivery failed", zap.Error(err))
		s.finalize(ctx, task, model.TaskStateFailed, model.OutcomeDeliveryFailed)
		return
	}

	s.finalize(ctx, task, model.TaskStateDelivered, model.OutcomeSuccess)
}

// admit loads or creates the task for an entity. A task already delivered is
// reported as skipped and not re-run; any other prior terminal state is
// re-admitted with its attempt history carried forward.
func (s *Scheduler) admit(ctx context.Context, entity model.Entity) *model.Task {
	existing, err := s.store.GetTask(ctx, entity.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			zap.L().Error("scheduler: load task", zap.String("entity", entity.ID), zap.Error(err))
		}
		return model.NewTask(entity)
	}

	if existing.State == model.TaskStateDelivered {
		s.mu.Lock()
		s.summary.Total++
		s.summary.Skipped++
		s.summary.Reports = append(s.summary.Reports, Report{
			EntityID:     entity.ID,
			State:        existing.State,
			Outcome:      existing.Outcome,
			LastProvider: existing.LastProvider,
			CostUSD:      existing.TotalCost(),
		})
		s.mu.Unlock()
		zap.L().Debug("scheduler: skipping already-delivered entity", zap.String("entity", entity.ID))
		return nil
	}

	if existing.State.Terminal() {
		task := model.NewTask(entity)
		task.Attempts = existing.Attempts
		task.LastProvider = existing.LastProvider
		return task
	}
	return existing
}

func (s *Scheduler) finalize(ctx context.Context, task *model.Task, state model.TaskState, outcome model.OutcomeKind) {
	task.Finish(state, outcome)

	gctx, cancel := s.graceCtx(ctx)
	defer cancel()
	if err := s.store.UpsertTask(gctx, task); err != nil {
		zap.L().Error("scheduler: persist final task state",
			zap.String("entity", task.Entity.ID),
			zap.Error(err))
	}

	report := Report{
		EntityID:     task.Entity.ID,
		State:        state,
		Outcome:      outcome,
		LastProvider: task.LastProvider,
		CostUSD:      task.TotalCost(),
	}
	if state != model.TaskStateDelivered {
		report.FailureKind = outcome
	}
	s.record(report)
}

func (s *Scheduler) record(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Total++
	s.summary.CostUSD += r.CostUSD
	s.summary.Reports = append(s.summary.Reports, r)
	switch r.State {
	case model.TaskStateDelivered:
		s.summary.Delivered++
	case model.TaskStateFailed:
		s.summary.Failed++
	case model.TaskStateCancelled:
		s.summary.Cancelled++
	}
}
