package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
)

func failedEnvelope() *audit.DeliveryEnvelope {
	now := time.Now().UTC()
	env := &audit.DeliveryEnvelope{
		JobID:      uuid.New().String(),
		Queue:      "test",
		Event:      audit.NewEvent("user.login", audit.StatusSuccess),
		EnqueuedAt: now,
	}
	env.RecordFailure(1, Failure("permanent", "boom"), now)
	return env
}

func TestDeadLetterHandler_AddAndList(t *testing.T) {
	store := newMemStore()
	h := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)
	ctx := context.Background()

	env := failedEnvelope()
	require.NoError(t, h.AddFailedEvent(ctx, env, Failure("permanent", "boom")))

	records, err := h.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test", records[0].OriginalQueue)
	assert.Equal(t, 1, records[0].FailureCount)
	assert.Equal(t, env.Event.Action, records[0].OriginalEvent.Action)
}

func TestDeadLetterHandler_Requeue(t *testing.T) {
	store := newMemStore()
	h := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)
	q := newFakeQueue()
	ctx := context.Background()

	require.NoError(t, h.AddFailedEvent(ctx, failedEnvelope(), Failure("permanent", "boom")))
	records, _ := h.List(ctx, DeadLetterFilter{})
	require.Len(t, records, 1)

	jobID, err := h.Requeue(ctx, records[0].ID, q)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.Zero(t, store.count(), "record removed after requeue")

	env := <-q.jobs
	assert.Equal(t, "user.login", env.Event.Action)
}

func TestDeadLetterHandler_PurgeOlderThan(t *testing.T) {
	store := newMemStore()
	h := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{AlertThreshold: 100}, nil)
	ctx := context.Background()

	old := failedEnvelope()
	require.NoError(t, h.AddFailedEvent(ctx, old, Failure("permanent", "boom")))

	// Backdate the stored record past retention.
	store.mu.Lock()
	for _, r := range store.records {
		r.LastFailureAt = time.Now().UTC().AddDate(0, 0, -45)
	}
	store.mu.Unlock()

	purged, err := h.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Zero(t, store.count())
}

func TestDeadLetterHandler_AlertCooldown(t *testing.T) {
	store := newMemStore()

	var mu sync.Mutex
	alerts := 0
	h := NewDeadLetterHandler(store, zap.NewNop(), DLQConfig{
		AlertThreshold: 1,
		AlertCooldown:  time.Hour,
	}, func(stats DLQStats) {
		mu.Lock()
		alerts++
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, h.AddFailedEvent(ctx, failedEnvelope(), Failure("permanent", "a")))
	require.NoError(t, h.AddFailedEvent(ctx, failedEnvelope(), Failure("permanent", "b")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, alerts, "cooldown suppresses the second alert")
}
