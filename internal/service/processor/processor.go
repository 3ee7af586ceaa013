package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// Queue is the broker surface the processor consumes. The Redis adapter in
// infrastructure/queue satisfies it; any broker with at-least-once,
// per-queue-FIFO, ack/nack semantics can stand in.
type Queue interface {
	Enqueue(ctx context.Context, event *audit.Event) (string, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, env *audit.DeliveryEnvelope, delay time.Duration) error
	Consume(ctx context.Context, concurrency int, fn func(ctx context.Context, env *audit.DeliveryEnvelope))
	Depth(ctx context.Context) (int64, error)
}

// Handler processes one event. Returning an error signals failure; the
// error's kind drives retry classification. Handlers must be idempotent:
// delivery is at-least-once.
type Handler func(ctx context.Context, event *audit.Event) error

// Config assembles the processor's moving parts.
type Config struct {
	QueueName       string
	Concurrency     int
	Retry           RetryPolicy
	Breaker         BreakerConfig
	DLQ             DLQConfig
	ShutdownTimeout time.Duration
	HandlerTimeout  time.Duration
}

// HealthStatus is the composite health view of the processor.
type HealthStatus struct {
	Score             float64 `json:"score"`
	SuccessRate       float64 `json:"successRate"`
	AvgProcessingMs   float64 `json:"avgProcessingMs"`
	BreakerState      string  `json:"breakerState"`
	DLQGrowthPerMin   float64 `json:"dlqGrowthPerMin"`
	ProcessedTotal    int64   `json:"processedTotal"`
	SucceededTotal    int64   `json:"succeededTotal"`
	DeadLetteredTotal int64   `json:"deadLetteredTotal"`
}

// Processor pulls events from the durable queue and drives them through
// retry, circuit breaking, and dead-letter capture with bounded
// concurrency. In-flight envelopes are owned exclusively by the processor;
// handlers may read the event but never mutate it.
type Processor struct {
	queue   Queue
	handler Handler
	breaker *Breaker
	dlq     *DeadLetterHandler
	logger  *zap.Logger
	cfg     Config

	mu             sync.Mutex
	processed      int64
	succeeded      int64
	deadLettered   int64
	emaMs          float64
	dlqWindowStart time.Time
	dlqWindowCount int64

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a processor. The handler runs inside both the retry engine
// and the circuit breaker.
func New(queue Queue, handler Handler, dlq *DeadLetterHandler, logger *zap.Logger, cfg Config) *Processor {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = time.Minute
	}
	return &Processor{
		queue:          queue,
		handler:        handler,
		breaker:        NewBreaker(cfg.QueueName, cfg.Breaker, logger),
		dlq:            dlq,
		logger:         logger,
		cfg:            cfg,
		dlqWindowStart: time.Now(),
	}
}

// Start launches the consume workers. It returns immediately.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.queue.Consume(runCtx, p.cfg.Concurrency, p.processJob)
	}()

	p.logger.Info("reliable processor started",
		zap.String("queue", p.cfg.QueueName),
		zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop drains in-flight work up to the shutdown timeout, then abandons;
// the broker redelivers anything abandoned.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	select {
	case <-p.done:
		p.logger.Info("processor drained cleanly")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("processor shutdown timeout, abandoning in-flight jobs",
			zap.Duration("timeout", p.cfg.ShutdownTimeout))
	}
}

// processJob runs the per-job loop: breaker gate, retried handler
// execution, then ack/nack/dead-letter routing.
func (p *Processor) processJob(ctx context.Context, env *audit.DeliveryEnvelope) {
	logger := p.logger.With(
		zap.String("job_id", env.JobID),
		zap.String("queue", env.Queue))

	// An open breaker defers the job without consuming retry budget.
	if p.breaker.IsOpen() {
		if err := p.queue.Nack(ctx, env, p.cfg.Breaker.RecoveryTimeout); err != nil {
			logger.Error("nack failed while breaker open", zap.Error(err))
		}
		return
	}

	start := time.Now()
	result := ExecuteWithRetry(ctx, func(attemptCtx context.Context) error {
		handlerCtx, cancel := context.WithTimeout(attemptCtx, p.cfg.HandlerTimeout)
		defer cancel()

		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.handler(handlerCtx, env.Event)
		})
		return err
	}, p.cfg.Retry)

	elapsed := time.Since(start)

	if result.Success {
		if err := p.queue.Ack(ctx, env.JobID); err != nil {
			logger.Error("ack failed after successful processing", zap.Error(err))
			return
		}
		p.recordOutcome(true, elapsed, len(result.Attempts))
		return
	}

	// A breaker rejection surfaces mid-flight when the circuit opened
	// between the gate check and execution. Defer, do not dead-letter.
	if errors.IsCircuitOpen(result.Err) {
		env.Attempts = append(env.Attempts, result.Attempts...)
		if err := p.queue.Nack(ctx, env, p.cfg.Breaker.RecoveryTimeout); err != nil {
			logger.Error("nack failed after circuit rejection", zap.Error(err))
		}
		return
	}

	// Retries exhausted or failure was permanent: dead-letter, then ack
	// the original so it never redelivers.
	env.Attempts = append(env.Attempts, result.Attempts...)
	env.AttemptCount = len(env.Attempts)
	env.LastError = result.Err.Error()
	if env.FirstFailureAt == nil && len(result.Attempts) > 0 {
		t := result.Attempts[0].Timestamp
		env.FirstFailureAt = &t
	}

	if err := p.dlq.AddFailedEvent(ctx, env, result.Err); err != nil {
		// Could not persist the dead-letter record; leave the job for
		// redelivery rather than losing the event.
		if nackErr := p.queue.Nack(ctx, env, BackoffDelay(p.cfg.Retry, 1)); nackErr != nil {
			logger.Error("nack failed after dead-letter persistence failure", zap.Error(nackErr))
		}
		return
	}

	if err := p.queue.Ack(ctx, env.JobID); err != nil {
		logger.Error("ack failed after dead-letter capture", zap.Error(err))
	}
	p.recordDeadLetter(elapsed, len(result.Attempts))
	logger.Warn("job dead-lettered",
		zap.Int("attempts", len(result.Attempts)),
		zap.String("error", result.Err.Error()))
}

func (p *Processor) recordOutcome(success bool, elapsed time.Duration, attempts int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed++
	if success {
		p.succeeded++
	}
	p.updateEMA(elapsed)
	p.dlq.ObserveOutcome(!success)
}

func (p *Processor) recordDeadLetter(elapsed time.Duration, attempts int) {
	p.mu.Lock()
	p.processed++
	p.deadLettered++
	p.dlqWindowCount++
	p.updateEMA(elapsed)
	p.mu.Unlock()

	p.dlq.ObserveOutcome(true)
}

// updateEMA folds one sample into the exponential moving average of
// processing time. Caller holds the lock.
func (p *Processor) updateEMA(elapsed time.Duration) {
	sample := float64(elapsed.Milliseconds())
	if p.emaMs == 0 {
		p.emaMs = sample
		return
	}
	p.emaMs = 0.2*sample + 0.8*p.emaMs
}

// Breaker exposes the processor's circuit breaker for inspection.
func (p *Processor) Breaker() *Breaker {
	return p.breaker
}

// GetHealthStatus computes the weighted composite health score:
// success rate, normalized processing time, breaker state penalty, and
// dead-letter growth rate.
func (p *Processor) GetHealthStatus() HealthStatus {
	p.mu.Lock()
	processed := p.processed
	succeeded := p.succeeded
	deadLettered := p.deadLettered
	emaMs := p.emaMs
	windowCount := p.dlqWindowCount
	windowStart := p.dlqWindowStart
	p.mu.Unlock()

	successRate := 1.0
	if processed > 0 {
		successRate = float64(succeeded) / float64(processed)
	}

	latencyScore := 1.0
	if emaMs > 0 {
		latencyScore = 1.0 - emaMs/1000.0
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	breakerScore := 1.0
	state := p.breaker.State()
	switch state {
	case "open":
		breakerScore = 0
	case "half-open":
		breakerScore = 0.5
	}

	minutes := time.Since(windowStart).Minutes()
	growth := 0.0
	if minutes > 0 {
		growth = float64(windowCount) / minutes
	}
	dlqScore := 1.0 - growth/10.0
	if dlqScore < 0 {
		dlqScore = 0
	}

	score := 0.4*successRate + 0.2*latencyScore + 0.2*breakerScore + 0.2*dlqScore

	return HealthStatus{
		Score:             score,
		SuccessRate:       successRate,
		AvgProcessingMs:   emaMs,
		BreakerState:      state,
		DLQGrowthPerMin:   growth,
		ProcessedTotal:    processed,
		SucceededTotal:    succeeded,
		DeadLetteredTotal: deadLettered,
	}
}
