package audit

import (
	"time"
)

// AttemptRecord captures one processing attempt of a queued event.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryEnvelope wraps a queued event while it is in flight. The envelope
// is created on enqueue, mutated only by the processor, and destroyed on
// ack or when the event moves to the dead-letter queue.
type DeliveryEnvelope struct {
	JobID          string          `json:"jobId"`
	Queue          string          `json:"queue"`
	Event          *Event          `json:"event"`
	AttemptCount   int             `json:"attemptCount"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	FirstFailureAt *time.Time      `json:"firstFailureAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// RecordFailure appends an attempt record and updates the failure markers.
func (env *DeliveryEnvelope) RecordFailure(attempt int, err error, at time.Time) {
	if env.FirstFailureAt == nil {
		t := at
		env.FirstFailureAt = &t
	}
	env.LastError = err.Error()
	env.AttemptCount = attempt
	env.Attempts = append(env.Attempts, AttemptRecord{
		Attempt:   attempt,
		Timestamp: at,
		Error:     err.Error(),
	})
}

// DeadLetterRecord is the terminal failure record for an event that could
// not be processed after exhausting retries.
type DeadLetterRecord struct {
	ID             string          `json:"id"`
	OriginalEvent  *Event          `json:"originalEvent"`
	FailureReason  string          `json:"failureReason"`
	FailureCount   int             `json:"failureCount"`
	FirstFailureAt time.Time       `json:"firstFailureAt"`
	LastFailureAt  time.Time       `json:"lastFailureAt"`
	OriginalQueue  string          `json:"originalQueue"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}
