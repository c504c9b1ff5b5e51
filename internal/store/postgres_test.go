package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/sells-group/research-orchestrator/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_UpsertTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	task := sampleTask("acme")
	if err := s.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_GetTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	entityJSON, _ := json.Marshal(model.Entity{ID: "acme", Name: "Acme Corp", Domain: "acme.com"})
	attemptsJSON, _ := json.Marshal([]model.ProviderAttempt{{Provider: "crawler", Attempt: 1, Outcome: model.OutcomeSuccess}})
	recordJSON, _ := json.Marshal(&model.CanonicalRecord{
		EntityID: "acme",
		Fields:   map[string]model.FieldValue{"summary": {Value: "x", Provider: "crawler"}},
	})
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"entity", "state", "attempts", "record", "outcome", "last_provider", "failure_kind", "created_at", "updated_at"}).
		AddRow(entityJSON, "delivered", attemptsJSON, recordJSON, "success", "crawler", "", now, now)
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE entity_id").
		WithArgs("acme").
		WillReturnRows(rows)

	got, err := s.GetTask(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.TaskStateDelivered {
		t.Errorf("state = %q", got.State)
	}
	if got.Entity.Name != "Acme Corp" {
		t.Errorf("entity = %+v", got.Entity)
	}
	if got.Record == nil || got.Record.Field("summary") != "x" {
		t.Errorf("record = %+v", got.Record)
	}
	if len(got.Attempts) != 1 {
		t.Errorf("attempts = %+v", got.Attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_GetTaskNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE entity_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_CountTasksByState(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rows := pgxmock.NewRows([]string{"state", "count"}).
		AddRow("pending", int64(3)).
		AddRow("delivered", int64(7))
	mock.ExpectQuery("SELECT state, COUNT").WillReturnRows(rows)

	counts, err := s.CountTasksByState(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.TaskStatePending] != 3 || counts[model.TaskStateDelivered] != 7 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestPostgres_DeliveryRoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	recordJSON, _ := json.Marshal(&model.CanonicalRecord{EntityID: "acme"})

	mock.ExpectExec("INSERT INTO deliveries").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	rows := pgxmock.NewRows([]string{"entity_id", "idempotency_key", "record", "acked", "acked_at", "response"}).
		AddRow("acme", "key-1", recordJSON, true, &now, "202 Accepted")
	mock.ExpectQuery("SELECT (.+) FROM deliveries WHERE entity_id").
		WithArgs("acme").
		WillReturnRows(rows)

	rec := &model.DeliveryRecord{EntityID: "acme", Key: "key-1", Acked: true, AckedAt: &now, Response: "202 Accepted"}
	rec.Record = &model.CanonicalRecord{EntityID: "acme"}
	if err := s.SaveDelivery(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetDelivery(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Acked || got.Key != "key-1" {
		t.Errorf("delivery = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
