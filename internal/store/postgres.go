package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Pool abstracts the pgx pool methods the store needs; pgxmock implements it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"upsert_task": `INSERT INTO tasks (entity_id, entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_id) DO UPDATE SET
			state = EXCLUDED.state, attempts = EXCLUDED.attempts, record = EXCLUDED.record,
			outcome = EXCLUDED.outcome, last_provider = EXCLUDED.last_provider,
			failure_kind = EXCLUDED.failure_kind, updated_at = EXCLUDED.updated_at`,
	"get_task":     `SELECT entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at FROM tasks WHERE entity_id = $1`,
	"get_delivery": `SELECT entity_id, idempotency_key, record, acked, acked_at, response FROM deliveries WHERE entity_id = $1`,
	"save_delivery": `INSERT INTO deliveries (entity_id, idempotency_key, record, acked, acked_at, response)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id) DO UPDATE SET
			idempotency_key = EXCLUDED.idempotency_key, record = EXCLUDED.record,
			acked = EXCLUDED.acked, acked_at = EXCLUDED.acked_at, response = EXCLUDED.response`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	entity_id     TEXT PRIMARY KEY,
	entity        JSONB NOT NULL,
	state         TEXT NOT NULL DEFAULT 'pending',
	attempts      JSONB NOT NULL DEFAULT '[]',
	record        JSONB,
	outcome       TEXT NOT NULL DEFAULT '',
	last_provider TEXT NOT NULL DEFAULT '',
	failure_kind  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deliveries (
	entity_id       TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	record          JSONB,
	acked           BOOLEAN NOT NULL DEFAULT false,
	acked_at        TIMESTAMPTZ,
	response        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_deliveries_key ON deliveries(idempotency_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertTask(ctx context.Context, task *model.Task) error {
	entityJSON, err := json.Marshal(task.Entity)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity")
	}
	attemptsJSON, err := json.Marshal(task.Attempts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempts")
	}
	var recordJSON []byte
	if task.Record != nil {
		if recordJSON, err = json.Marshal(task.Record); err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
	}

	_, err = s.pool.Exec(ctx, preparedStatements["upsert_task"],
		task.Entity.ID, entityJSON, string(task.State), attemptsJSON, recordJSON,
		string(task.Outcome), task.LastProvider, string(task.FailureKind),
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: upsert task")
}

func (s *PostgresStore) GetTask(ctx context.Context, entityID string) (*model.Task, error) {
	var (
		task         model.Task
		entityJSON   []byte
		state        string
		attemptsJSON []byte
		recordJSON   []byte
		outcome      string
		failureKind  string
	)
	err := s.pool.QueryRow(ctx, preparedStatements["get_task"], entityID).
		Scan(&entityJSON, &state, &attemptsJSON, &recordJSON, &outcome,
			&task.LastProvider, &failureKind, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "task %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get task")
	}

	if err := json.Unmarshal(entityJSON, &task.Entity); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal entity")
	}
	if err := json.Unmarshal(attemptsJSON, &task.Attempts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attempts")
	}
	if len(recordJSON) > 0 {
		task.Record = &model.CanonicalRecord{}
		if err := json.Unmarshal(recordJSON, task.Record); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record")
		}
	}
	task.State = model.TaskState(state)
	task.Outcome = model.OutcomeKind(outcome)
	task.FailureKind = model.OutcomeKind(failureKind)
	return &task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT entity, state, attempts, record, outcome, last_provider, failure_kind, created_at, updated_at FROM tasks`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = $1`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + itoa(filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ` + itoa(filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task         model.Task
			entityJSON   []byte
			state        string
			attemptsJSON []byte
			recordJSON   []byte
			outcome      string
			failureKind  string
		)
		if err := rows.Scan(&entityJSON, &state, &attemptsJSON, &recordJSON, &outcome,
			&task.LastProvider, &failureKind, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		if err := json.Unmarshal(entityJSON, &task.Entity); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal entity")
		}
		if err := json.Unmarshal(attemptsJSON, &task.Attempts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attempts")
		}
		if len(recordJSON) > 0 {
			task.Record = &model.CanonicalRecord{}
			if err := json.Unmarshal(recordJSON, task.Record); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal record")
			}
		}
		task.State = model.TaskState(state)
		task.Outcome = model.OutcomeKind(outcome)
		task.FailureKind = model.OutcomeKind(failureKind)
		tasks = append(tasks, task)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) CountTasksByState(ctx context.Context) (map[model.TaskState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskState]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.TaskState(state)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) GetDelivery(ctx context.Context, entityID string) (*model.DeliveryRecord, error) {
	var (
		rec        model.DeliveryRecord
		recordJSON []byte
		ackedAt    *time.Time
	)
	err := s.pool.QueryRow(ctx, preparedStatements["get_delivery"], entityID).
		Scan(&rec.EntityID, &rec.Key, &recordJSON, &rec.Acked, &ackedAt, &rec.Response)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "delivery %s", entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get delivery")
	}

	rec.AckedAt = ackedAt
	if len(recordJSON) > 0 {
		rec.Record = &model.CanonicalRecord{}
		if err := json.Unmarshal(recordJSON, rec.Record); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal delivery record")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	var recordJSON []byte
	var err error
	if rec.Record != nil {
		if recordJSON, err = json.Marshal(rec.Record); err != nil {
			return eris.Wrap(err, "postgres: marshal delivery record")
		}
	}

	_, err = s.pool.Exec(ctx, preparedStatements["save_delivery"],
		rec.EntityID, rec.Key, recordJSON, rec.Acked, rec.AckedAt, rec.Response,
	)
	return eris.Wrap(err, "postgres: save delivery")
}

func itoa(n int) string {
	if n < 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(buf[i:])
}
