package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TaskState represents the external state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateInFlight  TaskState = "in_flight"
	TaskStateDelivered TaskState = "delivered"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateDelivered, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// OutcomeKind classifies the result of a provider attempt or a whole task.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetryableFailure OutcomeKind = "retryable_failure"
	OutcomeTerminalFailure  OutcomeKind = "terminal_failure"
	OutcomeBudgetBlocked    OutcomeKind = "budget_blocked"
	OutcomeCircuitOpen      OutcomeKind = "circuit_open"
	OutcomeUnreachable      OutcomeKind = "unreachable"
	OutcomeDeliveryFailed   OutcomeKind = "delivery_failed"
	OutcomeCancelled        OutcomeKind = "cancelled"
)

// ProviderAttempt records one call to one provider for one task. Append-only.
type ProviderAttempt struct {
	Provider  string      `json:"provider"`
	Attempt   int         `json:"attempt"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Outcome   OutcomeKind `json:"outcome"`
	CostUSD   float64     `json:"cost_usd"`
	Error     string      `json:"error,omitempty"`
	RawRef    string      `json:"raw_ref,omitempty"`
}

// ErrTerminalState is returned when a transition is attempted on a task that
// has already reached a terminal state.
var ErrTerminalState = eris.New("task is already in a terminal state")

// Task is one entity's journey through the pipeline.
type Task struct {
	Entity       Entity            `json:"entity"`
	State        TaskState         `json:"state"`
	Attempts     []ProviderAttempt `json:"attempts,omitempty"`
	Record       *CanonicalRecord  `json:"record,omitempty"`
	Outcome      OutcomeKind       `json:"outcome,omitempty"`
	LastProvider string            `json:"last_provider,omitempty"`
	FailureKind  OutcomeKind       `json:"failure_kind,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewTask admits an entity into the pipeline in the pending state.
func NewTask(e Entity) *Task {
	now := time.Now().UTC()
	return &Task{
		Entity:    e,
		State:     TaskStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Begin moves the task from pending to in-flight.
func (t *Task) Begin() error {
	if t.State.Terminal() {
		return ErrTerminalState
	}
	t.State = TaskStateInFlight
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAttempt appends a provider attempt and tracks the last provider tried.
func (t *Task) RecordAttempt(a ProviderAttempt) {
	t.Attempts = append(t.Attempts, a)
	t.LastProvider = a.Provider
	t.UpdatedAt = time.Now().UTC()
}

// Finish moves the task into a terminal state exactly once. A second call
// returns ErrTerminalState and leaves the task unchanged.
func (t *Task) Finish(state TaskState, outcome OutcomeKind) error {
	if t.State.Terminal() {
		return ErrTerminalState
	}
	if !state.Terminal() {
		return eris.Errorf("model: %q is not a terminal state", state)
	}
	t.State = state
	t.Outcome = outcome
	if state != TaskStateDelivered {
		t.FailureKind = outcome
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// TotalCost sums the cost of every recorded attempt.
func (t *Task) TotalCost() float64 {
	var total float64
	for _, a := range t.Attempts {
		total += a.CostUSD
	}
	return total
}
