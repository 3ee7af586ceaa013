package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Strategy:   StrategyFixed,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestExecuteWithRetry_SucceedsFirstAttempt(t *testing.T) {
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		return nil
	}, fastPolicy())

	assert.True(t, result.Success)
	assert.NoError(t, result.Err)
	require.Len(t, result.Attempts, 1)
	assert.Empty(t, result.Attempts[0].Error)
}

func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Failure("connection-reset", "peer reset")
		}
		return nil
	}, fastPolicy())

	assert.True(t, result.Success)
	assert.Equal(t, 3, calls)
	require.Len(t, result.Attempts, 3)
	assert.NotEmpty(t, result.Attempts[0].Error)
	assert.NotEmpty(t, result.Attempts[1].Error)
	assert.Empty(t, result.Attempts[2].Error)
}

func TestExecuteWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return Failure("timeout", "deadline passed")
	}, fastPolicy())

	assert.False(t, result.Success)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
	assert.Len(t, result.Attempts, 4)
}

func TestExecuteWithRetry_PermanentAbortsImmediately(t *testing.T) {
	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return Failure("permanent", "schema violation downstream")
	}, fastPolicy())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Len(t, result.Attempts, 1)
}

func TestExecuteWithRetry_ValidationNeverRetried(t *testing.T) {
	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewValidationError("BAD_INPUT", "no")
	}, fastPolicy())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_PolicyCodesRetryable(t *testing.T) {
	policy := fastPolicy()
	policy.RetryableErrors = []string{"custom-flap"}

	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Failure("custom-flap", "flaps sometimes")
		}
		return nil
	}, policy)

	assert.True(t, result.Success)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetry_CircuitOpenAborts(t *testing.T) {
	calls := 0
	result := ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewCircuitOpenError("test")
	}, fastPolicy())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls, "circuit rejection never consumes retries")
	assert.True(t, errors.IsCircuitOpen(result.Err))
}

func TestBackoffDelay_Exponential(t *testing.T) {
	policy := RetryPolicy{
		Strategy:  StrategyExponential,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, BackoffDelay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(policy, 2))
	assert.Equal(t, 400*time.Millisecond, BackoffDelay(policy, 3))
	assert.Equal(t, 800*time.Millisecond, BackoffDelay(policy, 4))
	assert.Equal(t, time.Second, BackoffDelay(policy, 5), "capped at max delay")

	// Nondecreasing across attempts without jitter.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := BackoffDelay(policy, attempt)
		assert.GreaterOrEqual(t, delay, prev)
		prev = delay
	}
}

func TestBackoffDelay_Linear(t *testing.T) {
	policy := RetryPolicy{
		Strategy:  StrategyLinear,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  250 * time.Millisecond,
	}

	assert.Equal(t, 100*time.Millisecond, BackoffDelay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(policy, 2))
	assert.Equal(t, 250*time.Millisecond, BackoffDelay(policy, 3), "capped")
}

func TestBackoffDelay_Fixed(t *testing.T) {
	policy := RetryPolicy{
		Strategy:  StrategyFixed,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 50*time.Millisecond, BackoffDelay(policy, attempt))
	}
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	policy := RetryPolicy{
		Strategy:  StrategyExponential,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    true,
	}

	for i := 0; i < 100; i++ {
		delay := BackoffDelay(policy, 2) // base 200ms
		assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
		assert.LessOrEqual(t, delay, 300*time.Millisecond, "jitter within [0, delay/2]")
	}
}
