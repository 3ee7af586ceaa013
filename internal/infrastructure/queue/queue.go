package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// DurableQueue is a Redis-list-backed work queue with at-least-once
// delivery and FIFO ordering within a named queue. Ready jobs live in a
// list, in-flight jobs in a processing list, and nacked jobs waiting for
// redelivery in a delayed sorted set keyed by ready time. Envelopes are
// stored per job so a restart loses nothing that Redis persisted.
type DurableQueue struct {
	client         *redis.Client
	logger         *zap.Logger
	name           string
	enqueueTimeout time.Duration

	promoterStop chan struct{}
	promoterOnce sync.Once
}

// Config for a durable queue.
type Config struct {
	Name           string
	EnqueueTimeout time.Duration
}

const (
	keyPrefix       = "audit:queue:"
	promoteInterval = 200 * time.Millisecond
	popTimeout      = time.Second
)

// New creates a queue bound to one Redis-backed name and starts the
// delayed-job promoter.
func New(client *redis.Client, logger *zap.Logger, cfg Config) (*DurableQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}

	q := &DurableQueue{
		client:         client,
		logger:         logger,
		name:           cfg.Name,
		enqueueTimeout: cfg.EnqueueTimeout,
		promoterStop:   make(chan struct{}),
	}
	go q.promoteLoop()
	return q, nil
}

func (q *DurableQueue) readyKey() string      { return keyPrefix + q.name + ":ready" }
func (q *DurableQueue) processingKey() string { return keyPrefix + q.name + ":processing" }
func (q *DurableQueue) delayedKey() string    { return keyPrefix + q.name + ":delayed" }
func (q *DurableQueue) jobKey(id string) string {
	return keyPrefix + q.name + ":job:" + id
}

// Enqueue persists an envelope for the event and pushes it onto the ready
// list. Returns the job ID, or QueueUnavailable if the broker could not be
// reached within the enqueue timeout.
func (q *DurableQueue) Enqueue(ctx context.Context, event *audit.Event) (string, error) {
	jobID := uuid.New().String()
	env := &audit.DeliveryEnvelope{
		JobID:      jobID,
		Queue:      q.name,
		Event:      event,
		EnqueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal delivery envelope").WithCause(err)
	}

	opCtx, cancel := context.WithTimeout(ctx, q.enqueueTimeout)
	defer cancel()

	pipe := q.client.TxPipeline()
	pipe.Set(opCtx, q.jobKey(jobID), data, 0)
	pipe.LPush(opCtx, q.readyKey(), jobID)
	if _, err := pipe.Exec(opCtx); err != nil {
		q.logger.Error("enqueue failed",
			zap.String("queue", q.name),
			zap.String("job_id", jobID),
			zap.Error(err))
		return "", errors.NewQueueUnavailableError("broker unreachable during enqueue").WithCause(err)
	}

	q.logger.Debug("event enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", jobID))
	return jobID, nil
}

// Dequeue blocks up to the pop timeout for the next ready job and moves it
// to the processing list. Returns (nil, nil) when nothing was ready.
func (q *DurableQueue) Dequeue(ctx context.Context) (*audit.DeliveryEnvelope, error) {
	jobID, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", popTimeout).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, nil
		}
		return nil, errors.NewQueueUnavailableError("broker unreachable during dequeue").WithCause(err)
	}

	env, err := q.loadEnvelope(ctx, jobID)
	if err != nil {
		// Orphaned job id without an envelope; drop it from processing.
		q.client.LRem(ctx, q.processingKey(), 1, jobID)
		return nil, err
	}
	return env, nil
}

// Ack removes a completed job. The envelope is destroyed.
func (q *DurableQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewQueueUnavailableError("broker unreachable during ack").WithCause(err)
	}
	return nil
}

// Nack re-persists the (processor-mutated) envelope and schedules the job
// for redelivery after delay. A zero delay requeues immediately.
func (q *DurableQueue) Nack(ctx context.Context, env *audit.DeliveryEnvelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.NewInternalError("failed to marshal delivery envelope").WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(env.JobID), data, 0)
	pipe.LRem(ctx, q.processingKey(), 1, env.JobID)
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: env.JobID})
	} else {
		pipe.RPush(ctx, q.readyKey(), env.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewQueueUnavailableError("broker unreachable during nack").WithCause(err)
	}
	return nil
}

// Peek returns the stored envelope for a job without consuming it.
func (q *DurableQueue) Peek(ctx context.Context, jobID string) (*audit.DeliveryEnvelope, error) {
	return q.loadEnvelope(ctx, jobID)
}

// Depth returns the number of jobs waiting (ready plus delayed).
func (q *DurableQueue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, errors.NewQueueUnavailableError("broker unreachable").WithCause(err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, errors.NewQueueUnavailableError("broker unreachable").WithCause(err)
	}
	return ready + delayed, nil
}

// RecoverInFlight moves jobs stranded on the processing list back to the
// ready list. Called once at startup: anything still in-flight belonged to
// a previous process and will be redelivered (at-least-once).
func (q *DurableQueue) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0
	for {
		jobID, err := q.client.LMove(ctx, q.processingKey(), q.readyKey(), "RIGHT", "LEFT").Result()
		if err != nil {
			if err == redis.Nil {
				return recovered, nil
			}
			return recovered, errors.NewQueueUnavailableError("broker unreachable during recovery").WithCause(err)
		}
		recovered++
		q.logger.Info("recovered in-flight job", zap.String("job_id", jobID))
	}
}

// Consume runs concurrency workers that pull jobs and hand them to fn.
// It blocks until ctx is cancelled and all workers have returned. fn is
// responsible for Ack/Nack.
func (q *DurableQueue) Consume(ctx context.Context, concurrency int, fn func(ctx context.Context, env *audit.DeliveryEnvelope)) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := q.logger.With(zap.Int("worker", worker))
			backoff := time.Second

			for ctx.Err() == nil {
				env, err := q.Dequeue(ctx)
				if err != nil {
					logger.Warn("dequeue failed, backing off", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
					if backoff < 30*time.Second {
						backoff *= 2
					}
					continue
				}
				backoff = time.Second
				if env == nil {
					continue
				}
				fn(ctx, env)
			}
		}(i)
	}
	wg.Wait()
}

// Close stops the delayed-job promoter. Queued state stays in Redis.
func (q *DurableQueue) Close() {
	q.promoterOnce.Do(func() { close(q.promoterStop) })
}

func (q *DurableQueue) loadEnvelope(ctx context.Context, jobID string) (*audit.DeliveryEnvelope, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.NewNotFoundError(fmt.Sprintf("job %s", jobID))
		}
		return nil, errors.NewQueueUnavailableError("broker unreachable").WithCause(err)
	}
	var env audit.DeliveryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewInternalError("failed to unmarshal delivery envelope").WithCause(err)
	}
	return &env, nil
}

// promoteLoop moves due delayed jobs onto the ready list.
func (q *DurableQueue) promoteLoop() {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.promoterStop:
			return
		case <-ticker.C:
			q.promoteDue()
		}
	}
}

func (q *DurableQueue) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	jobIDs, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(jobIDs) == 0 {
		return
	}

	for _, jobID := range jobIDs {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), jobID)
		pipe.RPush(ctx, q.readyKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("failed to promote delayed job",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
}
