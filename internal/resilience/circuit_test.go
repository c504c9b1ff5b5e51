package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errors.New("fail") })
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	cfg := CircuitBreakerConfig{
		WindowSize:           10,
		FailureRateThreshold: 0.5,
		MinSamples:           4,
		Cooldown:             1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	// 2 successes then 2 failures: rate 0.5 at 4 samples trips the breaker.
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return nil })
	failN(cb, 2)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	// Rejected without invoking the call.
	err := cb.Execute(func() error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_BelowMinSamplesStaysClosed(t *testing.T) {
	cfg := CircuitBreakerConfig{
		WindowSize:           10,
		FailureRateThreshold: 0.5,
		MinSamples:           5,
		Cooldown:             1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	failN(cb, 4)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed below min samples, got %s", cb.State())
	}

	rate, samples := cb.FailureRate()
	if rate != 1.0 || samples != 4 {
		t.Errorf("expected rate=1.0 samples=4, got rate=%v samples=%d", rate, samples)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		WindowSize:           4,
		FailureRateThreshold: 0.5,
		MinSamples:           2,
		Cooldown:             100 * time.Millisecond,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 2)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	// Advance past the cooldown deadline.
	now = now.Add(150 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	// First Allow admits the probe, second is rejected while it is in flight.
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second caller rejected during probe, got %v", err)
	}

	// Successful probe closes the circuit.
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopensWithLongerCooldown(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		WindowSize:           4,
		FailureRateThreshold: 0.5,
		MinSamples:           2,
		Cooldown:             100 * time.Millisecond,
		CooldownMultiplier:   2.0,
		MaxCooldown:          time.Second,
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 2)
	now = now.Add(150 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}
	cb.Record(errors.New("still broken"))

	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopened circuit, got %s", cb.State())
	}

	// Original cooldown is no longer enough.
	now = now.Add(150 * time.Millisecond)
	if cb.State() != CircuitOpen {
		t.Errorf("expected circuit still open under doubled cooldown, got %s", cb.State())
	}
	now = now.Add(100 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open after doubled cooldown, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		WindowSize:           4,
		FailureRateThreshold: 0.5,
		MinSamples:           2,
		Cooldown:             1 * time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	cb := NewCircuitBreaker(cfg)
	failN(cb, 2)

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestProviderBreakers_GetIsStable(t *testing.T) {
	pb := NewProviderBreakers(DefaultCircuitBreakerConfig())

	a := pb.Get("scraper")
	b := pb.Get("scraper")
	if a != b {
		t.Error("expected same breaker instance for same provider")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pb.Get("deep-research") == nil {
				t.Error("nil breaker")
			}
		}()
	}
	wg.Wait()

	states := pb.States()
	if len(states) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(states))
	}
	if states["scraper"] != CircuitClosed {
		t.Errorf("expected closed, got %s", states["scraper"])
	}
}
