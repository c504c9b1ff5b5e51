// Package budget tracks cumulative spend per provider class against daily
// caps. Pure bookkeeping, no I/O: cost is reserved optimistically before a
// provider call and reconciled after the outcome is known.
package budget

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrBudgetExceeded is returned by Reserve when admitting another attempt
// would push a class past its daily cap.
var ErrBudgetExceeded = eris.New("budget: daily cap exceeded")

type classState struct {
	capUSD    float64
	reserved  float64
	committed float64
}

// Ledger is the shared spend tracker. All methods are safe for concurrent use
// from any number of workers; reserve is an atomic check-and-hold, so the cap
// can never be overcommitted even under heavy parallelism.
type Ledger struct {
	mu      sync.Mutex
	day     string
	classes map[string]*classState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewLedger creates a ledger with per-class daily caps in USD. A cap of zero
// or below means the class is uncapped.
func NewLedger(caps map[string]float64) *Ledger {
	l := &Ledger{
		classes: make(map[string]*classState, len(caps)),
		nowFunc: time.Now,
	}
	for class, cap := range caps {
		l.classes[class] = &classState{capUSD: cap}
	}
	l.day = l.nowFunc().UTC().Format("2006-01-02")
	return l
}

// Reservation is a held slice of budget for one in-flight attempt. Exactly one
// of Commit or Release must be called once the attempt settles.
type Reservation struct {
	ledger  *Ledger
	class   string
	amount  float64
	settled bool
}

// Reserve holds amount USD against the class's remaining daily budget.
func (l *Ledger) Reserve(class string, amount float64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	cs := l.classLocked(class)
	if cs.capUSD > 0 && cs.committed+cs.reserved+amount > cs.capUSD {
		return nil, eris.Wrapf(ErrBudgetExceeded, "class %s: committed=%.4f reserved=%.4f amount=%.4f cap=%.4f",
			class, cs.committed, cs.reserved, amount, cs.capUSD)
	}
	cs.reserved += amount
	return &Reservation{ledger: l, class: class, amount: amount}, nil
}

// Commit settles the reservation at the attempt's actual cost, which may
// differ from the estimate that was reserved.
func (r *Reservation) Commit(actualUSD float64) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	cs := r.ledger.classLocked(r.class)
	cs.reserved -= r.amount
	if cs.reserved < 0 {
		cs.reserved = 0
	}
	cs.committed += actualUSD
}

// Release returns the held amount without spending anything (the attempt was
// skipped or failed before incurring cost).
func (r *Reservation) Release() {
	r.Commit(0)
}

// Committed returns the spend committed so far today for a class.
func (l *Ledger) Committed(class string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.classLocked(class).committed
}

// ClassSnapshot is a read-only view of one class's budget.
type ClassSnapshot struct {
	CapUSD       float64 `json:"cap_usd"`
	CommittedUSD float64 `json:"committed_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Snapshot returns the current per-class budget view.
func (l *Ledger) Snapshot() map[string]ClassSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	out := make(map[string]ClassSnapshot, len(l.classes))
	for class, cs := range l.classes {
		snap := ClassSnapshot{
			CapUSD:       cs.capUSD,
			CommittedUSD: cs.committed,
			ReservedUSD:  cs.reserved,
		}
		if cs.capUSD > 0 {
			snap.RemainingUSD = cs.capUSD - cs.committed - cs.reserved
			if snap.RemainingUSD < 0 {
				snap.RemainingUSD = 0
			}
		}
		out[class] = snap
	}
	return out
}

func (l *Ledger) classLocked(class string) *classState {
	cs, ok := l.classes[class]
	if !ok {
		cs = &classState{}
		l.classes[class] = cs
	}
	return cs
}

// rolloverLocked zeroes committed spend when the UTC day changes. Reservations
// held by in-flight attempts survive the boundary and settle normally.
func (l *Ledger) rolloverLocked() {
	today := l.nowFunc().UTC().Format("2006-01-02")
	if today == l.day {
		return
	}
	l.day = today
	for _, cs := range l.classes {
		cs.committed = 0
	}
}
