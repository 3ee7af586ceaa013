package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, "audit-events", cfg.Processor.QueueName)
	assert.Equal(t, 8, cfg.Processor.Concurrency)
	assert.Equal(t, "exponential", cfg.Processor.Retry.Strategy)
	assert.Equal(t, "monthly", cfg.Partitioning.Interval)
	assert.Equal(t, 100, cfg.Cache.MaxSizeMB)
	assert.True(t, cfg.Database.FallbackToMaster)
}

func TestValidate_RejectsShortSecrets(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	cfg.Security.EncryptionKey = "too-short"
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestValidate_RejectsUnknownStrategy(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	cfg.Processor.Retry.Strategy = "fibonacci"
	err = cfg.Validate()
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFIG_ERROR", appErr.Code)
	assert.NotEmpty(t, appErr.Details, "diagnostics name the failing fields")
}

func TestValidate_RejectsBadPartitionInterval(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	cfg.Partitioning.Interval = "weekly"
	assert.Error(t, cfg.Validate())
}
