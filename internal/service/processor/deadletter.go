package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// DeadLetterStore persists terminal failure records. The storage engine
// implements it over the audit_dead_letter table; tests use an in-memory
// double.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, record *audit.DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, id string) (*audit.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*audit.DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// Enqueuer is the queue slice the dead-letter handler needs for requeue.
type Enqueuer interface {
	Enqueue(ctx context.Context, event *audit.Event) (string, error)
}

// DeadLetterFilter narrows listing.
type DeadLetterFilter struct {
	Queue  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Reason string
}

// DLQConfig tunes retention and alerting.
type DLQConfig struct {
	MaxSize              int
	RetentionDays        int
	AlertThreshold       int
	FailureRateThreshold float64
	AlertCooldown        time.Duration
}

// DLQStats is handed to the alert callback.
type DLQStats struct {
	TotalRecords  int       `json:"totalRecords"`
	FailureRate   float64   `json:"failureRate"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	Queue         string    `json:"queue"`
}

// AlertFunc receives threshold-crossing notifications.
type AlertFunc func(stats DLQStats)

// DeadLetterHandler captures terminally failed events and alerts when the
// queue's failure profile crosses configured thresholds.
type DeadLetterHandler struct {
	store   DeadLetterStore
	logger  *zap.Logger
	cfg     DLQConfig
	onAlert AlertFunc

	mu            sync.Mutex
	lastAlertAt   time.Time
	observedTotal int64 // processed outcomes observed, for failure rate
	observedFails int64
}

// NewDeadLetterHandler creates a handler. onAlert may be nil.
func NewDeadLetterHandler(store DeadLetterStore, logger *zap.Logger, cfg DLQConfig, onAlert AlertFunc) *DeadLetterHandler {
	return &DeadLetterHandler{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		onAlert: onAlert,
	}
}

// ObserveOutcome feeds the failure-rate window. The processor calls it for
// every finished job, success or not.
func (h *DeadLetterHandler) ObserveOutcome(failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observedTotal++
	if failed {
		h.observedFails++
	}
}

// AddFailedEvent persists a DeadLetterRecord built from the envelope and
// evaluates alert thresholds. Persistence failure is returned to the
// caller: an event must never vanish between queue and dead-letter store.
func (h *DeadLetterHandler) AddFailedEvent(ctx context.Context, env *audit.DeliveryEnvelope, failure error) error {
	now := time.Now().UTC()
	firstFailure := now
	if env.FirstFailureAt != nil {
		firstFailure = *env.FirstFailureAt
	}

	record := &audit.DeadLetterRecord{
		ID:             uuid.New().String(),
		OriginalEvent:  env.Event,
		FailureReason:  failure.Error(),
		FailureCount:   env.AttemptCount,
		FirstFailureAt: firstFailure,
		LastFailureAt:  now,
		OriginalQueue:  env.Queue,
		Attempts:       env.Attempts,
	}

	if err := h.store.InsertDeadLetter(ctx, record); err != nil {
		h.logger.Error("failed to persist dead-letter record",
			zap.String("job_id", env.JobID),
			zap.Error(err))
		return err
	}

	h.logger.Warn("event moved to dead-letter queue",
		zap.String("job_id", env.JobID),
		zap.String("queue", env.Queue),
		zap.String("reason", record.FailureReason),
		zap.Int("failure_count", record.FailureCount))

	h.evaluateThresholds(ctx, env.Queue, now)
	return nil
}

// List returns dead-letter records matching the filter.
func (h *DeadLetterHandler) List(ctx context.Context, filter DeadLetterFilter) ([]*audit.DeadLetterRecord, error) {
	return h.store.ListDeadLetters(ctx, filter)
}

// Requeue pushes the original event of a dead-letter record back onto the
// queue and removes the record.
func (h *DeadLetterHandler) Requeue(ctx context.Context, id string, queue Enqueuer) (string, error) {
	record, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", errors.NewNotFoundError("dead-letter record")
	}

	jobID, err := queue.Enqueue(ctx, record.OriginalEvent)
	if err != nil {
		return "", err
	}
	if err := h.store.DeleteDeadLetter(ctx, id); err != nil {
		h.logger.Error("requeued event but failed to delete dead-letter record",
			zap.String("record_id", id),
			zap.Error(err))
	}

	h.logger.Info("dead-letter record requeued",
		zap.String("record_id", id),
		zap.String("job_id", jobID))
	return jobID, nil
}

// PurgeOlderThan drops records past the retention horizon.
func (h *DeadLetterHandler) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	purged, err := h.store.PurgeDeadLettersBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		h.logger.Info("purged expired dead-letter records",
			zap.Int("purged", purged),
			zap.Int("retention_days", days))
	}
	return purged, nil
}

// evaluateThresholds fires the alert callback when total size or failure
// rate crosses configuration, subject to the cooldown.
func (h *DeadLetterHandler) evaluateThresholds(ctx context.Context, queueName string, at time.Time) {
	if h.onAlert == nil {
		return
	}

	total, err := h.store.CountDeadLetters(ctx)
	if err != nil {
		h.logger.Error("failed to count dead-letter records", zap.Error(err))
		return
	}

	h.mu.Lock()
	rate := 0.0
	if h.observedTotal > 0 {
		rate = float64(h.observedFails) / float64(h.observedTotal)
	}
	crossed := total >= h.cfg.AlertThreshold ||
		(h.cfg.FailureRateThreshold > 0 && rate >= h.cfg.FailureRateThreshold)
	inCooldown := h.cfg.AlertCooldown > 0 && at.Sub(h.lastAlertAt) < h.cfg.AlertCooldown
	if crossed && !inCooldown {
		h.lastAlertAt = at
	}
	h.mu.Unlock()

	if crossed && !inCooldown {
		h.onAlert(DLQStats{
			TotalRecords:  total,
			FailureRate:   rate,
			LastFailureAt: at,
			Queue:         queueName,
		})
	}
}
