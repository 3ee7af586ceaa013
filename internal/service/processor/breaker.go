package processor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// BreakerConfig tunes the circuit breaker state machine.
type BreakerConfig struct {
	FailureThreshold  int           // consecutive failures before opening
	MinimumThroughput int           // requests required before the threshold applies
	RecoveryTimeout   time.Duration // open duration before a half-open probe
}

// StateChange records one breaker transition.
type StateChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// BreakerMetrics is a snapshot of breaker behavior.
type BreakerMetrics struct {
	State         string        `json:"state"`
	TotalRequests uint32        `json:"totalRequests"`
	Successes     uint32        `json:"successes"`
	Failures      uint32        `json:"failures"`
	FailureRate   float64       `json:"failureRate"`
	OpenedAt      *time.Time    `json:"openedAt,omitempty"`
	History       []StateChange `json:"history,omitempty"`
}

// maxStateHistory bounds the retained transition log.
const maxStateHistory = 64

// Breaker wraps a circuit breaker around a downstream dependency. The
// trip condition is consecutive failures reaching the threshold while
// total throughput has reached the minimum; a single probe is admitted
// after the recovery timeout.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	mu       sync.Mutex
	history  []StateChange
	openedAt *time.Time

	totalRequests uint32
	successes     uint32
	failures      uint32
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		logger: logger,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one half-open probe
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold &&
				int(counts.Requests) >= cfg.MinimumThroughput
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.recordTransition(from.String(), to.String())
		},
	})

	return b
}

// Execute runs op through the breaker. A rejected call returns
// CircuitOpenError; any other error is the operation's own.
func (b *Breaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(op)

	b.mu.Lock()
	b.totalRequests++
	if err == nil {
		b.successes++
	} else if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
		b.failures++
	}
	b.mu.Unlock()

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.NewCircuitOpenError(b.name)
	}
	return result, err
}

// State returns the current breaker state name: closed, half-open, or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls would currently be rejected.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Metrics returns the breaker's counters and transition history.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalRequests > 0 {
		rate = float64(b.failures) / float64(b.totalRequests)
	}

	history := make([]StateChange, len(b.history))
	copy(history, b.history)

	var openedAt *time.Time
	if b.openedAt != nil {
		t := *b.openedAt
		openedAt = &t
	}

	return BreakerMetrics{
		State:         b.cb.State().String(),
		TotalRequests: b.totalRequests,
		Successes:     b.successes,
		Failures:      b.failures,
		FailureRate:   rate,
		OpenedAt:      openedAt,
		History:       history,
	}
}

func (b *Breaker) recordTransition(from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	b.history = append(b.history, StateChange{From: from, To: to, Timestamp: now})
	if len(b.history) > maxStateHistory {
		b.history = b.history[len(b.history)-maxStateHistory:]
	}

	switch to {
	case gobreaker.StateOpen.String():
		b.openedAt = &now
	case gobreaker.StateClosed.String():
		b.openedAt = nil
	}

	if b.logger != nil {
		b.logger.Warn("circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", from),
			zap.String("to", to))
	}
}
