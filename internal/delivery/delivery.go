// Package delivery pushes canonical records to the downstream consumer with
// exactly-once semantics per entity, backed by persisted delivery bookkeeping.
package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/store"
)

// ErrDeliveryFailed marks a delivery that exhausted its retries or hit a
// terminal downstream rejection.
var ErrDeliveryFailed = eris.New("delivery: send failed")

// Sink sends one canonical record downstream. Implementations must treat a
// repeated key as a duplicate of the same logical delivery.
type Sink interface {
	Send(ctx context.Context, key string, rec *model.CanonicalRecord) (string, error)
}

const lockShards = 64

// Deliverer wraps a Sink with idempotency bookkeeping. The sequence per key
// is check, send, mark: an entity whose delivery is already acked is never
// sent again, and the ack is persisted before Deliver returns.
type Deliverer struct {
	store    store.Store
	sink     Sink
	retryCfg resilience.RetryConfig
	locks    [lockShards]sync.Mutex
}

func NewDeliverer(st store.Store, sink Sink, retryCfg resilience.RetryConfig) *Deliverer {
	return &Deliverer{store: st, sink: sink, retryCfg: retryCfg}
}

// Key derives the deterministic idempotency key for an entity. The same
// entity always maps to the same key, across retries and process restarts.
func Key(entityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("research-delivery/"+entityID)).String()
}

func (d *Deliverer) shard(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &d.locks[h.Sum32()%lockShards]
}

// Deliver sends the record for its entity exactly once. Concurrent calls for
// the same entity serialize on a per-key lock; the loser observes the ack and
// returns without sending.
func (d *Deliverer) Deliver(ctx context.Context, rec *model.CanonicalRecord) (*model.DeliveryRecord, error) {
	mu := d.shard(rec.EntityID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := d.store.GetDelivery(ctx, rec.EntityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "delivery: check prior delivery")
	}
	if existing != nil && existing.Acked {
		zap.L().Debug("delivery already acked, skipping send",
			zap.String("entity_id", rec.EntityID),
			zap.String("key", existing.Key))
		return existing, nil
	}

	key := Key(rec.EntityID)
	resp, attempts, err := resilience.DoVal(ctx, d.retryCfg, func(ctx context.Context) (string, error) {
		return d.sink.Send(ctx, key, rec)
	})
	if err != nil {
		zap.L().Warn("delivery failed",
			zap.String("entity_id", rec.EntityID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, eris.Wrapf(ErrDeliveryFailed, "entity %s: %s", rec.EntityID, err.Error())
	}

	now := time.Now().UTC()
	record := &model.DeliveryRecord{
		EntityID: rec.EntityID,
		Key:      key,
		Record:   rec,
		Acked:    true,
		AckedAt:  &now,
		Response: resp,
	}
	// The ack must hit the store before the caller sees success, otherwise a
	// crash here would resend on resume.
	if err := d.store.SaveDelivery(ctx, record); err != nil {
		return nil, eris.Wrap(err, "delivery: persist ack")
	}

	zap.L().Info("delivered",
		zap.String("entity_id", rec.EntityID),
		zap.String("key", key),
		zap.Int("attempts", attempts))
	return record, nil
}

// Failed reports whether err came from the delivery stage.
func Failed(err error) bool {
	return eris.Is(err, ErrDeliveryFailed)
}
