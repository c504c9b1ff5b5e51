// Package store persists task tracking and delivery bookkeeping, keyed by
// entity identifier, so runs are resumable across process restarts.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = eris.New("store: not found")

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	State  model.TaskState `json:"state,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the orchestration engine. A
// task already delivered in the store must never be re-delivered after a
// restart; the scheduler and delivery sink both rely on that contract.
type Store interface {
	// Tasks
	UpsertTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, entityID string) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	CountTasksByState(ctx context.Context) (map[model.TaskState]int, error)

	// Delivery bookkeeping
	GetDelivery(ctx context.Context, entityID string) (*model.DeliveryRecord, error)
	SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
