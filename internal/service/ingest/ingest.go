package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/metrics"
	"github.com/caregrid/audit-pipeline-backend/internal/service/processor"
)

// Options controls per-submission behavior. Zero value means: generate
// hash, no signature, full validation.
type Options struct {
	GenerateHash      *bool
	GenerateSignature bool
	SkipValidation    bool
	CorrelationID     string
	EventVersion      string
}

// Ack is the enqueue acknowledgment returned to producers.
type Ack struct {
	JobID string `json:"jobId"`
	Hash  string `json:"hash,omitempty"`
}

// Service is the producer-facing ingestion contract: validate, sanitize,
// bind integrity, enqueue. Events are immutable once enqueued.
type Service struct {
	queue         processor.Enqueuer
	logger        *zap.Logger
	metrics       *metrics.Registry
	validationCfg audit.ValidationConfig
	signingSecret string
}

// New creates the ingestion service. The signing secret is required only
// when producers request signatures.
func New(queue processor.Enqueuer, logger *zap.Logger, reg *metrics.Registry, validationCfg audit.ValidationConfig, signingSecret string) *Service {
	return &Service{
		queue:         queue,
		logger:        logger,
		metrics:       reg,
		validationCfg: validationCfg,
		signingSecret: signingSecret,
	}
}

// Submit runs the full ingestion contract on one event and enqueues it.
// The caller's event is never mutated; the pipeline owns the sanitized
// copy from here on.
func (s *Service) Submit(ctx context.Context, event *audit.Event, opts Options) (*Ack, error) {
	if event == nil {
		return nil, errors.NewValidationError("MISSING_EVENT", "event is required")
	}

	prepared := event.Clone()
	prepared.ApplyDefaults()
	if opts.CorrelationID != "" {
		prepared.CorrelationID = opts.CorrelationID
	}
	if opts.EventVersion != "" {
		prepared.EventVersion = opts.EventVersion
	}

	if opts.SkipValidation {
		sanitized := audit.Sanitize(prepared, s.validationCfg)
		prepared = sanitized.Event
	} else {
		result := audit.ValidateAndSanitize(prepared, s.validationCfg)
		if !result.IsValid {
			s.metrics.IngestRejected.Inc()
			return nil, errors.NewValidationError("INVALID_EVENT",
				fmt.Sprintf("event failed validation: %s", firstError(result.Errors))).
				WithDetails(map[string]interface{}{"errors": result.Errors})
		}
		for _, warning := range result.Warnings {
			s.logger.Debug("sanitization warning",
				zap.String("action", prepared.Action),
				zap.String("warning", warning))
		}
		prepared = result.SanitizedEvent
	}

	// Normalize the timestamp before hashing so a database round trip
	// reproduces the exact canonical string.
	if normalized, err := normalizeTimestamp(prepared.Timestamp); err == nil {
		prepared.Timestamp = normalized
	}

	generateHash := true
	if opts.GenerateHash != nil {
		generateHash = *opts.GenerateHash
	}
	if generateHash {
		prepared.Hash = audit.HashEvent(prepared)
	}
	if opts.GenerateSignature {
		signature, err := audit.SignEvent(prepared, s.signingSecret)
		if err != nil {
			return nil, err
		}
		prepared.Signature = signature
	}

	jobID, err := s.queue.Enqueue(ctx, prepared)
	if err != nil {
		s.metrics.IngestFailed.Inc()
		return nil, err
	}

	s.metrics.IngestAccepted.Inc()
	s.logger.Debug("event accepted",
		zap.String("job_id", jobID),
		zap.String("action", prepared.Action))
	return &Ack{JobID: jobID, Hash: prepared.Hash}, nil
}

// normalizeTimestamp renders a parseable timestamp as UTC RFC 3339 with
// millisecond precision.
func normalizeTimestamp(ts string) (string, error) {
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "", err
	}
	return parsed.UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
}

func firstError(errs []audit.FieldError) string {
	if len(errs) == 0 {
		return "unknown"
	}
	return errs[0].Error()
}
