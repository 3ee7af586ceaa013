package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

var errDownstream = fmt.Errorf("downstream unavailable")

func failingOp() (interface{}, error) { return nil, errDownstream }
func successOp() (interface{}, error) { return "ok", nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:  3,
		MinimumThroughput: 3,
		RecoveryTimeout:   time.Minute,
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := b.Execute(failingOp)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	// Rejected without invoking the operation.
	invoked := false
	_, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, invoked)
}

func TestBreaker_MinimumThroughputGuard(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:  1,
		MinimumThroughput: 5,
		RecoveryTimeout:   time.Minute,
	}, zap.NewNop())

	_, err := b.Execute(failingOp)
	require.Error(t, err)
	assert.Equal(t, "closed", b.State(),
		"one failure below minimum throughput stays closed")
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:  2,
		MinimumThroughput: 2,
		RecoveryTimeout:   50 * time.Millisecond,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		b.Execute(failingOp)
	}
	require.Equal(t, "open", b.State())

	time.Sleep(70 * time.Millisecond)

	result, err := b.Execute(successOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:  2,
		MinimumThroughput: 2,
		RecoveryTimeout:   50 * time.Millisecond,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		b.Execute(failingOp)
	}
	require.Equal(t, "open", b.State())

	time.Sleep(70 * time.Millisecond)

	_, err := b.Execute(failingOp)
	require.Error(t, err)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_MetricsAndHistory(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:  2,
		MinimumThroughput: 2,
		RecoveryTimeout:   time.Minute,
	}, zap.NewNop())

	b.Execute(successOp)
	b.Execute(failingOp)
	b.Execute(failingOp)

	m := b.Metrics()
	assert.Equal(t, "open", m.State)
	assert.Equal(t, uint32(3), m.TotalRequests)
	assert.Equal(t, uint32(1), m.Successes)
	assert.Equal(t, uint32(2), m.Failures)
	assert.InDelta(t, 2.0/3.0, m.FailureRate, 1e-9)
	assert.NotNil(t, m.OpenedAt)

	require.NotEmpty(t, m.History)
	last := m.History[len(m.History)-1]
	assert.Equal(t, "closed", last.From)
	assert.Equal(t, "open", last.To)
}
