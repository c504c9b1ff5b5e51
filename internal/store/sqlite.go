package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	entity_id     TEXT PRIMARY KEY,
	entity        TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'pending',
	attempts      TEXT NOT NULL DEFAULT '[]',
	record        TEXT,
	outcome       TEXT NOT NULL DEFAULT '',
	last_provider TEXT NOT NULL DEFAULT '',
	failure_kind  TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deliveries (
	entity_id       TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	record          TEXT,
	acked           INTEGER NOT NULL DEFAULT 0,
	acked_at        DATETIME,
	response        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_deliveries_key ON deliveries(idempotency_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertTask(ctx context.Context, task *model.Task) error {
	entityJSON, err := json.Marshal(task.Entity)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity")
	}
	attemptsJSON, err := json.Marshal(task.Attempts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempts")
	}
	var recordJSON []byte
	if task.Record != nil {
		if recordJSON, err = json.Marshal(task.Record); err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (entity_id, entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			record = excluded.record,
			outcome = excluded.outcome,
			last_provider = excluded.last_provider,
			failure_kind = excluded.failure_kind,
			updated_at = excluded.updated_at`,
		task.Entity.ID, string(entityJSON), string(task.State), string(attemptsJSON),
		nullableString(recordJSON), string(task.Outcome), task.LastProvider,
		string(task.FailureKind), task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert task")
}

func (s *SQLiteStore) GetTask(ctx context.Context, entityID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at
		FROM tasks WHERE entity_id = ?`, entityID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "task %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get task")
	}
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at FROM tasks`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *task)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) CountTasksByState(ctx context.Context) (map[model.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.TaskState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, entityID string) (*model.DeliveryRecord, error) {
	var (
		rec        model.DeliveryRecord
		recordJSON sql.NullString
		ackedAt    sql.NullTime
		acked      int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, idempotency_key, record, acked, acked_at, response
		FROM deliveries WHERE entity_id = ?`, entityID).
		Scan(&rec.EntityID, &rec.Key, &recordJSON, &acked, &ackedAt, &rec.Response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "delivery %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get delivery")
	}

	rec.Acked = acked != 0
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		rec.AckedAt = &t
	}
	if recordJSON.Valid && recordJSON.String != "" {
		rec.Record = &model.CanonicalRecord{}
		if err := json.Unmarshal([]byte(recordJSON.String), rec.Record); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal delivery record")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	var recordJSON []byte
	var err error
	if rec.Record != nil {
		if recordJSON, err = json.Marshal(rec.Record); err != nil {
			return eris.Wrap(err, "sqlite: marshal delivery record")
		}
	}
	acked := 0
	if rec.Acked {
		acked = 1
	}
	var ackedAt any
	if rec.AckedAt != nil {
		ackedAt = rec.AckedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliveries (entity_id, idempotency_key, record, acked, acked_at, response)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			record = excluded.record,
			acked = excluded.acked,
			acked_at = excluded.acked_at,
			response = excluded.response`,
		rec.EntityID, rec.Key, nullableString(recordJSON), acked, ackedAt, rec.Response,
	)
	return eris.Wrap(err, "sqlite: save delivery")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task         model.Task
		entityJSON   string
		state        string
		attemptsJSON string
		recordJSON   sql.NullString
		outcome      string
		failureKind  string
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&entityJSON, &state, &attemptsJSON, &recordJSON, &outcome,
		&task.LastProvider, &failureKind, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entityJSON), &task.Entity); err != nil {
		return nil, eris.Wrap(err, "unmarshal entity")
	}
	if err := json.Unmarshal([]byte(attemptsJSON), &task.Attempts); err != nil {
		return nil, eris.Wrap(err, "unmarshal attempts")
	}
	if recordJSON.Valid && recordJSON.String != "" {
		task.Record = &model.CanonicalRecord{}
		if err := json.Unmarshal([]byte(recordJSON.String), task.Record); err != nil {
			return nil, eris.Wrap(err, "unmarshal record")
		}
	}
	task.State = model.TaskState(state)
	task.Outcome = model.OutcomeKind(outcome)
	task.FailureKind = model.OutcomeKind(failureKind)
	task.CreatedAt = createdAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	return &task, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
