package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
	"github.com/caregrid/audit-pipeline-backend/internal/service/processor"
)

// eventTimestampFormat is the normalized on-the-wire timestamp form. The
// ingestion path normalizes timestamps to this format before hashing, so
// a round trip through TIMESTAMPTZ reproduces the exact canonical string.
const eventTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// AuditRepository persists audit events into the partitioned audit_log
// table and backs the dead-letter store and alert log. The ingestion path
// is append-only; erasure and pseudonymization are privileged separate
// operations.
type AuditRepository struct {
	client *Client
	logger *zap.Logger
}

// NewAuditRepository creates the repository over the storage client.
func NewAuditRepository(client *Client, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{client: client, logger: logger}
}

const insertEventSQL = `
	INSERT INTO audit_log (
		id, timestamp, action, status,
		principal_id, organization_id,
		target_resource_type, target_resource_id,
		outcome_description, data_classification, retention_policy,
		event_version, hash_algorithm, correlation_id,
		hash, signature,
		session_id, ip_address, user_agent, geolocation,
		details
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
	)
`

// InsertEvent appends one event. The write is transactional with the
// integrity log entry so at-least-once redelivery stays idempotent at the
// row level (the primary key rejects duplicates).
func (r *AuditRepository) InsertEvent(ctx context.Context, event *audit.Event) error {
	ts, err := event.ParsedTimestamp()
	if err != nil {
		return errors.NewValidationError("INVALID_TIMESTAMP", "event timestamp not parseable").WithCause(err)
	}

	details, err := json.Marshal(event.CustomFields)
	if err != nil {
		return errors.NewInternalError("failed to marshal custom fields").WithCause(err)
	}

	var sessionID, ipAddress, userAgent, geolocation *string
	if sc := event.SessionContext; sc != nil {
		sessionID = nullable(sc.SessionID)
		ipAddress = nullable(sc.IPAddress)
		userAgent = nullable(sc.UserAgent)
		geolocation = nullable(sc.Geolocation)
	}

	return r.client.Pool().Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertEventSQL,
			event.ID, ts, event.Action, string(event.Status),
			nullable(event.PrincipalID), nullable(event.OrganizationID),
			nullable(event.TargetResourceType), nullable(event.TargetResourceID),
			nullable(event.OutcomeDescription), string(event.DataClassification), event.RetentionPolicy,
			event.EventVersion, event.HashAlgorithm, nullable(event.CorrelationID),
			nullable(event.Hash), nullable(event.Signature),
			sessionID, ipAddress, userAgent, geolocation,
			details,
		)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate key") {
				// Redelivered job; the first delivery already landed.
				r.logger.Debug("duplicate event insert ignored",
					zap.String("event_id", event.ID.String()))
				return nil
			}
			return errors.Wrap(err, "inserting audit event")
		}

		if event.Hash != "" {
			_, err = tx.Exec(ctx, `
				INSERT INTO audit_integrity_log (event_id, hash, hash_algorithm, signature, recorded_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (event_id) DO NOTHING
			`, event.ID, event.Hash, event.HashAlgorithm, nullable(event.Signature))
			if err != nil {
				return errors.Wrap(err, "inserting integrity log entry")
			}
		}
		return nil
	})
}

// InsertEvents writes a batch atomically and invalidates read caches.
func (r *AuditRepository) InsertEvents(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, event := range events {
		if err := r.InsertEvent(ctx, event); err != nil {
			return err
		}
	}
	// Bulk inserts shift query results; drop cached report reads.
	r.client.Cache().Invalidate(r.client.cfg.Cache.KeyPrefix + "*")
	return nil
}

// QueryEvents returns events matching the criteria, newest first. The
// criteria's organization scope is authoritative and already enforced by
// the caller's interface layer.
func (r *AuditRepository) QueryEvents(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error) {
	sql, args := buildEventQuery(criteria)

	cacheKey := r.client.GenerateCacheKey("query_events", map[string]interface{}{
		"criteria": criteria,
	})

	result, err := r.client.ExecuteMonitoredQuery(ctx, "query_events",
		QueryOptions{CacheKey: cacheKey},
		func(ctx context.Context, pool *Pool) (interface{}, error) {
			rows, err := pool.Query(ctx, sql, args...)
			if err != nil {
				return nil, errors.Wrap(err, "querying audit events")
			}
			defer rows.Close()
			return scanEvents(rows)
		})
	if err != nil {
		return nil, err
	}

	events, ok := result.([]*audit.Event)
	if !ok {
		// Cached values survive as the concrete slice type.
		return nil, errors.NewInternalError("unexpected query result type")
	}
	return events, nil
}

// buildEventQuery assembles the SQL and arguments for a criteria query.
func buildEventQuery(criteria audit.ReportCriteria) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, timestamp, action, status,
			principal_id, organization_id,
			target_resource_type, target_resource_id,
			outcome_description, data_classification, retention_policy,
			event_version, hash_algorithm, correlation_id,
			hash, signature,
			session_id, ip_address, user_agent, geolocation,
			details
		FROM audit_log
		WHERE 1=1`)

	args := make([]interface{}, 0, 8)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !criteria.DateRange.StartDate.IsZero() {
		sb.WriteString(" AND timestamp >= " + arg(criteria.DateRange.StartDate))
	}
	if !criteria.DateRange.EndDate.IsZero() {
		sb.WriteString(" AND timestamp < " + arg(criteria.DateRange.EndDate))
	}
	if len(criteria.PrincipalIDs) > 0 {
		sb.WriteString(" AND principal_id = ANY(" + arg(criteria.PrincipalIDs) + ")")
	}
	if len(criteria.OrganizationIDs) > 0 {
		sb.WriteString(" AND organization_id = ANY(" + arg(criteria.OrganizationIDs) + ")")
	}
	if len(criteria.Actions) > 0 {
		sb.WriteString(" AND action = ANY(" + arg(criteria.Actions) + ")")
	}
	if len(criteria.Statuses) > 0 {
		statuses := make([]string, len(criteria.Statuses))
		for i, s := range criteria.Statuses {
			statuses[i] = string(s)
		}
		sb.WriteString(" AND status = ANY(" + arg(statuses) + ")")
	}
	if len(criteria.DataClassifications) > 0 {
		classes := make([]string, len(criteria.DataClassifications))
		for i, dc := range criteria.DataClassifications {
			classes[i] = string(dc)
		}
		sb.WriteString(" AND data_classification = ANY(" + arg(classes) + ")")
	}
	if len(criteria.ResourceTypes) > 0 {
		sb.WriteString(" AND target_resource_type = ANY(" + arg(criteria.ResourceTypes) + ")")
	}

	sb.WriteString(" ORDER BY timestamp DESC")
	if criteria.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(criteria.Limit))
	}
	return sb.String(), args
}

// scanEvents materializes rows into events, rendering timestamps back to
// the normalized canonical format.
func scanEvents(rows pgx.Rows) ([]*audit.Event, error) {
	events := make([]*audit.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*audit.Event, error) {
	var e audit.Event
	var ts time.Time
	var status, classification string
	var principal, org, resType, resID, outcome, correlation, hash, signature *string
	var sessionID, ipAddress, userAgent, geolocation *string
	var details []byte

	if err := row.Scan(
		&e.ID, &ts, &e.Action, &status,
		&principal, &org, &resType, &resID,
		&outcome, &classification, &e.RetentionPolicy,
		&e.EventVersion, &e.HashAlgorithm, &correlation,
		&hash, &signature,
		&sessionID, &ipAddress, &userAgent, &geolocation,
		&details,
	); err != nil {
		return nil, errors.Wrap(err, "scanning audit event")
	}

	e.Timestamp = ts.UTC().Format(eventTimestampFormat)
	e.Status = audit.Status(status)
	e.DataClassification = audit.DataClassification(classification)
	e.PrincipalID = deref(principal)
	e.OrganizationID = deref(org)
	e.TargetResourceType = deref(resType)
	e.TargetResourceID = deref(resID)
	e.OutcomeDescription = deref(outcome)
	e.CorrelationID = deref(correlation)
	e.Hash = deref(hash)
	e.Signature = deref(signature)

	if sessionID != nil || ipAddress != nil || userAgent != nil || geolocation != nil {
		e.SessionContext = &audit.SessionContext{
			SessionID:   deref(sessionID),
			IPAddress:   deref(ipAddress),
			UserAgent:   deref(userAgent),
			Geolocation: deref(geolocation),
		}
	}
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &e.CustomFields); err != nil {
			return nil, errors.Wrap(err, "unmarshaling custom fields")
		}
	}
	return &e, nil
}

// StoredHash returns the integrity-log hash recorded for an event at
// ingest time, preferring the sidecar log over the row's own column.
func (r *AuditRepository) StoredHash(ctx context.Context, eventID string) (string, error) {
	rows, err := r.client.Pool().Query(ctx,
		"SELECT hash FROM audit_integrity_log WHERE event_id = $1", eventID)
	if err != nil {
		return "", errors.Wrap(err, "querying integrity log")
	}
	defer rows.Close()

	if rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return "", errors.Wrap(err, "scanning integrity hash")
		}
		return hash, nil
	}
	return "", rows.Err()
}

// EraseEventsForPrincipal removes a data subject's events. Privileged
// GDPR path, never reachable from ingestion.
func (r *AuditRepository) EraseEventsForPrincipal(ctx context.Context, principalID string) (int64, error) {
	conn, err := r.client.Pool().Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, "DELETE FROM audit_log WHERE principal_id = $1", principalID)
	if err != nil {
		return 0, errors.Wrap(err, "erasing principal events")
	}
	r.client.Cache().Invalidate(r.client.cfg.Cache.KeyPrefix + "*")
	r.logger.Info("erased events for principal",
		zap.String("principal_id", principalID),
		zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// PseudonymizeEventsForPrincipal replaces a data subject's identifier
// with an opaque token, preserving audit structure. Privileged GDPR path.
func (r *AuditRepository) PseudonymizeEventsForPrincipal(ctx context.Context, principalID, token string) (int64, error) {
	conn, err := r.client.Pool().Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		"UPDATE audit_log SET principal_id = $2 WHERE principal_id = $1", principalID, token)
	if err != nil {
		return 0, errors.Wrap(err, "pseudonymizing principal events")
	}
	r.client.Cache().Invalidate(r.client.cfg.Cache.KeyPrefix + "*")
	return tag.RowsAffected(), nil
}

// RetentionDaysForPolicy looks up a retention policy tag, falling back to
// the configured default when the tag is unknown.
func (r *AuditRepository) RetentionDaysForPolicy(ctx context.Context, policy string, fallback int) int {
	rows, err := r.client.Pool().Query(ctx,
		"SELECT retention_days FROM audit_retention_policy WHERE policy = $1", policy)
	if err != nil {
		return fallback
	}
	defer rows.Close()

	if rows.Next() {
		var days int
		if err := rows.Scan(&days); err == nil && days > 0 {
			return days
		}
	}
	return fallback
}

// InsertAlert persists an operational alert.
func (r *AuditRepository) InsertAlert(ctx context.Context, severity, source, message string) error {
	err := r.client.Pool().Exec(ctx, `
		INSERT INTO alerts (severity, source, message, created_at)
		VALUES ($1, $2, $3, NOW())
	`, severity, source, message)
	if err != nil {
		// Alerting must never fail the operation that raised it.
		r.logger.Error("failed to persist alert",
			zap.String("severity", severity),
			zap.String("message", message),
			zap.Error(err))
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Dead-letter store implementation

// InsertDeadLetter persists a terminal failure record.
func (r *AuditRepository) InsertDeadLetter(ctx context.Context, record *audit.DeadLetterRecord) error {
	eventJSON, err := json.Marshal(record.OriginalEvent)
	if err != nil {
		return errors.NewInternalError("failed to marshal dead-letter event").WithCause(err)
	}
	attemptsJSON, err := json.Marshal(record.Attempts)
	if err != nil {
		return errors.NewInternalError("failed to marshal attempts").WithCause(err)
	}

	err = r.client.Pool().Exec(ctx, `
		INSERT INTO audit_dead_letter (
			id, original_event, failure_reason, failure_count,
			first_failure_at, last_failure_at, original_queue, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, eventJSON, record.FailureReason, record.FailureCount,
		record.FirstFailureAt, record.LastFailureAt, record.OriginalQueue, attemptsJSON)
	if err != nil {
		return errors.Wrap(err, "inserting dead-letter record")
	}
	return nil
}

// GetDeadLetter loads one record by id.
func (r *AuditRepository) GetDeadLetter(ctx context.Context, id string) (*audit.DeadLetterRecord, error) {
	rows, err := r.client.Pool().Query(ctx, `
		SELECT id, original_event, failure_reason, failure_count,
			first_failure_at, last_failure_at, original_queue, attempts
		FROM audit_dead_letter WHERE id = $1
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "querying dead-letter record")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDeadLetter(rows)
}

// ListDeadLetters returns records matching the filter, oldest first.
func (r *AuditRepository) ListDeadLetters(ctx context.Context, filter processor.DeadLetterFilter) ([]*audit.DeadLetterRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, original_event, failure_reason, failure_count,
			first_failure_at, last_failure_at, original_queue, attempts
		FROM audit_dead_letter WHERE 1=1`)

	args := make([]interface{}, 0, 4)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Queue != "" {
		sb.WriteString(" AND original_queue = " + arg(filter.Queue))
	}
	if !filter.Since.IsZero() {
		sb.WriteString(" AND last_failure_at >= " + arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		sb.WriteString(" AND last_failure_at < " + arg(filter.Until))
	}
	sb.WriteString(" ORDER BY last_failure_at ASC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(filter.Limit))
	}

	rows, err := r.client.Pool().Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing dead-letter records")
	}
	defer rows.Close()

	records := make([]*audit.DeadLetterRecord, 0)
	for rows.Next() {
		record, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteDeadLetter removes a record after requeue.
func (r *AuditRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	return r.client.Pool().Exec(ctx, "DELETE FROM audit_dead_letter WHERE id = $1", id)
}

// PurgeDeadLettersBefore drops records past retention.
func (r *AuditRepository) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := r.client.Pool().Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, "DELETE FROM audit_dead_letter WHERE last_failure_at < $1", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purging dead-letter records")
	}
	return int(tag.RowsAffected()), nil
}

// CountDeadLetters returns the total record count.
func (r *AuditRepository) CountDeadLetters(ctx context.Context) (int, error) {
	rows, err := r.client.Pool().Query(ctx, "SELECT COUNT(*) FROM audit_dead_letter")
	if err != nil {
		return 0, errors.Wrap(err, "counting dead-letter records")
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, errors.Wrap(err, "scanning dead-letter count")
		}
	}
	return count, rows.Err()
}

func scanDeadLetter(row pgx.Row) (*audit.DeadLetterRecord, error) {
	var record audit.DeadLetterRecord
	var eventJSON, attemptsJSON []byte

	if err := row.Scan(
		&record.ID, &eventJSON, &record.FailureReason, &record.FailureCount,
		&record.FirstFailureAt, &record.LastFailureAt, &record.OriginalQueue, &attemptsJSON,
	); err != nil {
		return nil, errors.Wrap(err, "scanning dead-letter record")
	}
	if err := json.Unmarshal(eventJSON, &record.OriginalEvent); err != nil {
		return nil, errors.Wrap(err, "unmarshaling dead-letter event")
	}
	if len(attemptsJSON) > 0 && string(attemptsJSON) != "null" {
		if err := json.Unmarshal(attemptsJSON, &record.Attempts); err != nil {
			return nil, errors.Wrap(err, "unmarshaling attempts")
		}
	}
	return &record, nil
}
