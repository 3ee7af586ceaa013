package processor

import (
	"context"
	"math/rand"
	"time"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// Backoff strategies.
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Transient transport kinds that are always retryable, regardless of the
// policy's retryable set.
var transientTransportCodes = map[string]bool{
	"connection-reset":      true,
	"timeout":               true,
	"temporary-unavailable": true,
}

// RetryPolicy controls how an operation is retried.
type RetryPolicy struct {
	MaxRetries      int
	Strategy        string
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          bool
	RetryableErrors []string
}

// RetryResult is the result-valued outcome of a retried operation.
type RetryResult struct {
	Success  bool
	Err      error
	Attempts []audit.AttemptRecord
}

// ExecuteWithRetry runs op, retrying retryable failures per the policy.
// Every attempt is recorded. Non-retryable errors and circuit rejections
// abort immediately; the caller classifies the final error.
func ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error, policy RetryPolicy) RetryResult {
	result := RetryResult{}
	maxAttempts := policy.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)

		record := audit.AttemptRecord{
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, record)

		if err == nil {
			result.Success = true
			return result
		}
		result.Err = err

		// Circuit rejections are the processor's concern, never the
		// retry engine's.
		if errors.IsCircuitOpen(err) {
			return result
		}
		if !isRetryable(err, policy.RetryableErrors) {
			return result
		}
		if attempt == maxAttempts {
			return result
		}

		delay := BackoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(delay):
		}
	}

	return result
}

// BackoffDelay computes the delay before the retry following attempt n.
// Exponential: min(maxDelay, baseDelay * 2^(n-1)); linear:
// min(maxDelay, baseDelay * n); fixed: baseDelay. Jitter, when enabled,
// adds a uniform draw from [0, delay/2].
func BackoffDelay(policy RetryPolicy, attempt int) time.Duration {
	var delay time.Duration
	switch policy.Strategy {
	case StrategyLinear:
		delay = policy.BaseDelay * time.Duration(attempt)
	case StrategyFixed:
		delay = policy.BaseDelay
	default: // exponential
		delay = policy.BaseDelay << uint(attempt-1)
		if delay < policy.BaseDelay {
			// Shift overflow beyond the cap.
			delay = policy.MaxDelay
		}
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay && policy.Strategy != StrategyFixed {
		delay = policy.MaxDelay
	}

	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	return delay
}

// isRetryable classifies an error: retryable when its structured code is in
// the policy's retryable set, or when it belongs to a transient transport
// class. Validation, permission, and cancellation failures abort.
func isRetryable(err error, retryableCodes []string) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}

	code := errors.Code(err)
	for _, rc := range retryableCodes {
		if code == rc {
			return true
		}
	}
	if transientTransportCodes[code] {
		return true
	}
	if errors.IsType(err, errors.ErrorTypeTransport) ||
		errors.IsType(err, errors.ErrorTypeQueue) ||
		errors.IsType(err, errors.ErrorTypePool) {
		return true
	}
	return errors.IsRetryable(err)
}

// Failure builds a handler error carrying a retry-classification kind.
// Whether it is retried depends on the policy's retryable set and the
// transient transport kinds.
func Failure(kind, message string) error {
	return &errors.AppError{
		Type:    errors.ErrorTypeHandler,
		Code:    kind,
		Message: message,
	}
}
