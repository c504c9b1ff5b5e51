package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/research-orchestrator/internal/budget"
	"github.com/sells-group/research-orchestrator/internal/delivery"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/provider"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/store"
	"github.com/sells-group/research-orchestrator/internal/waterfall"
)

type recordingSink struct {
	mu    sync.Mutex
	sends map[string]int
	block chan struct{}
	fail  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sends: make(map[string]int)}
}

func (s *recordingSink) Send(ctx context.Context, key string, rec *model.CanonicalRecord) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", resilience.NewTerminalError(delivery.ErrDeliveryFailed, 422)
	}
	s.sends[rec.EntityID]++
	return "200 OK", nil
}

func (s *recordingSink) sendCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[id]
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

type fixture struct {
	store store.Store
	sink  *recordingSink
	sched *Scheduler
}

func newFixture(t *testing.T, providers []provider.Provider, opts Options) *fixture {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ledger := budget.NewLedger(map[string]float64{})
	breakers := resilience.NewProviderBreakers(resilience.DefaultCircuitBreakerConfig())
	chain := waterfall.NewChain(providers, ledger, breakers, fastRetry(), nil)

	sink := newRecordingSink()
	deliverer := delivery.NewDeliverer(st, sink, fastRetry())

	return &fixture{
		store: st,
		sink:  sink,
		sched: New(st, chain, deliverer, opts),
	}
}

func entities(ids ...string) []model.Entity {
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Entity{ID: id, Name: "Co " + id, Domain: id + ".com"})
	}
	return out
}

func TestRun_DeliversAllEntities(t *testing.T) {
	f := newFixture(t, []provider.Provider{provider.NewStub("cheap", "scraping", 0.01)}, Options{BatchSize: 2, MaxParallel: 2})

	sum, err := f.sched.Run(context.Background(), entities("a", "b", "c"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Total != 3 || sum.Delivered != 3 {
		t.Errorf("summary = %+v", sum)
	}
	for _, id := range []string{"a", "b", "c"} {
		if f.sink.sendCount(id) != 1 {
			t.Errorf("entity %s sent %d times", id, f.sink.sendCount(id))
		}
		task, err := f.store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task %s: %v", id, err)
		}
		if task.State != model.TaskStateDelivered || task.Outcome != model.OutcomeSuccess {
			t.Errorf("task %s = %s/%s", id, task.State, task.Outcome)
		}
		if task.Record == nil {
			t.Errorf("task %s has no record", id)
		}
	}
}

func TestRun_SkipsInvalidEntities(t *testing.T) {
	f := newFixture(t, []provider.Provider{provider.NewStub("cheap", "scraping", 0.01)}, Options{})

	in := append(entities("a"), model.Entity{ID: "bad"})
	sum, err := f.sched.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Total != 1 || sum.Delivered != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_ResumeSkipsDelivered(t *testing.T) {
	f := newFixture(t, []provider.Provider{provider.NewStub("cheap", "scraping", 0.01)}, Options{})
	ctx := context.Background()

	if _, err := f.sched.Run(ctx, entities("a", "b")); err != nil {
		t.Fatalf("first run: %v", err)
	}

	sum, err := f.sched.Run(ctx, entities("a", "b", "c"))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", sum.Skipped)
	}
	if sum.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", sum.Delivered)
	}
	for _, id := range []string{"a", "b"} {
		if f.sink.sendCount(id) != 1 {
			t.Errorf("entity %s re-sent after resume", id)
		}
	}
}

func TestRun_ChainExhaustedMarksUnreachable(t *testing.T) {
	failing := provider.NewStub("cheap", "scraping", 0.01, provider.StubOutcome{
		Err: resilience.NewTerminalError(context.DeadlineExceeded, 404),
	})
	f := newFixture(t, []provider.Provider{failing}, Options{})

	sum, err := f.sched.Run(context.Background(), entities("a"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}
	task, err := f.store.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != model.TaskStateFailed || task.FailureKind != model.OutcomeUnreachable {
		t.Errorf("task = %s/%s", task.State, task.FailureKind)
	}
	if len(task.Attempts) == 0 {
		t.Error("attempt history not persisted")
	}
}

func TestRun_DeliveryFailureMarksDeliveryFailed(t *testing.T) {
	f := newFixture(t, []provider.Provider{provider.NewStub("cheap", "scraping", 0.01)}, Options{})
	f.sink.fail = true

	sum, err := f.sched.Run(context.Background(), entities("a"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}
	task, _ := f.store.GetTask(context.Background(), "a")
	if task.FailureKind != model.OutcomeDeliveryFailed {
		t.Errorf("failure kind = %s, want delivery_failed", task.FailureKind)
	}
}

func TestRun_FailedTaskIsRerunOnResume(t *testing.T) {
	failing := provider.NewStub("cheap", "scraping", 0.01,
		provider.StubOutcome{Err: resilience.NewTerminalError(context.DeadlineExceeded, 404)},
		provider.StubOutcome{Fields: map[string]string{"summary": "recovered"}},
	)
	f := newFixture(t, []provider.Provider{failing}, Options{})
	ctx := context.Background()

	if _, err := f.sched.Run(ctx, entities("a")); err != nil {
		t.Fatalf("first run: %v", err)
	}

	sum, err := f.sched.Run(ctx, entities("a"))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", sum.Delivered)
	}
	task, _ := f.store.GetTask(ctx, "a")
	if task.State != model.TaskStateDelivered {
		t.Errorf("state = %s", task.State)
	}
	// History from the failed run is carried into the new one.
	if len(task.Attempts) < 2 {
		t.Errorf("attempts = %d, want prior history preserved", len(task.Attempts))
	}
}

func TestRun_CancellationStopsAdmission(t *testing.T) {
	f := newFixture(t, []provider.Provider{provider.NewStub("cheap", "scraping", 0.01)},
		Options{BatchSize: 1, MaxParallel: 1, GracePeriod: time.Second})
	f.sink.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Summary, 1)
	go func() {
		sum, _ := f.sched.Run(ctx, entities("a", "b", "c"))
		done <- sum
	}()

	// Let the first task reach the sink, then cancel mid-run. The sink
	// observes ctx.Done and unblocks on its own.
	time.Sleep(50 * time.Millisecond)
	cancel()
	defer close(f.sink.block)

	select {
	case sum := <-done:
		if sum.Delivered != 0 {
			t.Errorf("delivered = %d, want 0", sum.Delivered)
		}
		if sum.Cancelled == 0 {
			t.Error("expected cancelled tasks in summary")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	// The in-flight task was finalized, not left dangling.
	task, err := f.store.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.State.Terminal() {
		t.Errorf("in-flight task left in state %s", task.State)
	}
}
