package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the rolling failure rate tripped. Requests are
	// rejected until the cooldown deadline elapses.
	CircuitOpen
	// CircuitHalfOpen admits exactly one probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// WindowSize is the number of recent outcomes the rolling window keeps.
	// Default: 10.
	WindowSize int

	// FailureRateThreshold opens the circuit when failures/window meets or
	// exceeds it, once MinSamples outcomes have been observed. Default: 0.5.
	FailureRateThreshold float64

	// MinSamples is the minimum number of outcomes in the window before the
	// failure rate is evaluated. Default: 5.
	MinSamples int

	// Cooldown is how long the circuit stays open before admitting a probe.
	// Default: 30s.
	Cooldown time.Duration

	// CooldownMultiplier scales the cooldown after each failed probe.
	// Default: 2.0. MaxCooldown caps the growth (default: 5m).
	CooldownMultiplier float64
	MaxCooldown        time.Duration

	// ShouldTrip optionally overrides which errors count as failures. If nil,
	// every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		WindowSize:           10,
		FailureRateThreshold: 0.5,
		MinSamples:           5,
		Cooldown:             30 * time.Second,
		CooldownMultiplier:   2.0,
		MaxCooldown:          5 * time.Minute,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.CooldownMultiplier < 1 {
		cfg.CooldownMultiplier = 2.0
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	return cfg
}

// CircuitBreaker tracks the failure rate of one provider over a rolling
// attempt window, independent of any single task. Allow/Record are split so
// callers can skip a provider without burning an attempt on it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	window   []bool // true = failure; ring buffer
	windowAt int
	samples  int

	cooldown       time.Duration
	openedAt       time.Time
	probeInFlight  bool
	lastTransition time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:      cfg,
		state:    CircuitClosed,
		window:   make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
		nowFunc:  time.Now,
	}
}

// Allow reports whether an attempt may proceed. In the open state it returns
// ErrCircuitOpen until the cooldown deadline elapses, then transitions to
// half-open and admits exactly one probe; concurrent callers during the probe
// are rejected.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.probeInFlight = true
		return nil
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// Record feeds one attempt outcome into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}
	failed := err != nil && shouldTrip(err)

	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
		if failed {
			// Failed probe: reopen with a longer cooldown.
			cb.cooldown = time.Duration(float64(cb.cooldown) * cb.cfg.CooldownMultiplier)
			if cb.cooldown > cb.cfg.MaxCooldown {
				cb.cooldown = cb.cfg.MaxCooldown
			}
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
			return
		}
		// Successful probe: close and start a fresh window.
		cb.resetWindow()
		cb.cooldown = cb.cfg.Cooldown
		cb.transition(CircuitClosed)
		return
	}

	cb.push(failed)

	if cb.state == CircuitClosed && cb.samples >= cb.cfg.MinSamples {
		if cb.failureRate() >= cb.cfg.FailureRateThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
		}
	}
}

// Execute combines Allow and Record around a single call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// State returns the current circuit state, accounting for cooldown expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed. Useful for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.resetWindow()
	cb.cooldown = cb.cfg.Cooldown
	cb.probeInFlight = false
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, CircuitClosed)
	}
}

// FailureRate returns the current rolling failure rate and sample count.
func (cb *CircuitBreaker) FailureRate() (rate float64, samples int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureRate(), cb.samples
}

func (cb *CircuitBreaker) push(failed bool) {
	cb.window[cb.windowAt] = failed
	cb.windowAt = (cb.windowAt + 1) % len(cb.window)
	if cb.samples < len(cb.window) {
		cb.samples++
	}
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.samples == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.samples; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.samples)
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.windowAt = 0
	cb.samples = 0
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastTransition = cb.nowFunc()
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}

// ProviderBreakers manages circuit breakers for multiple providers.
type ProviderBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewProviderBreakers creates a registry of per-provider circuit breakers.
func NewProviderBreakers(cfg CircuitBreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named provider, creating one if needed.
func (pb *ProviderBreakers) Get(provider string) *CircuitBreaker {
	pb.mu.RLock()
	cb, ok := pb.breakers[provider]
	pb.mu.RUnlock()
	if ok {
		return cb
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = pb.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(pb.cfg)
	pb.breakers[provider] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (pb *ProviderBreakers) States() map[string]CircuitState {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	states := make(map[string]CircuitState, len(pb.breakers))
	for name, cb := range pb.breakers {
		states[name] = cb.State()
	}
	return states
}
