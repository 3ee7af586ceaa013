package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
)

// Report types.
type ReportType string

const (
	ReportTypeGeneral   ReportType = "general"
	ReportTypeHIPAA     ReportType = "hipaa"
	ReportTypeGDPR      ReportType = "gdpr"
	ReportTypeIntegrity ReportType = "integrity"
)

// EventSource is the storage surface the reporter reads from. The audit
// repository implements it; callers have already scoped the criteria's
// organizations.
type EventSource interface {
	QueryEvents(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error)
	StoredHash(ctx context.Context, eventID string) (string, error)
}

// ReportMetadata identifies one generated report.
type ReportMetadata struct {
	ReportID       string               `json:"reportId"`
	ReportType     ReportType           `json:"reportType"`
	GeneratedAt    time.Time            `json:"generatedAt"`
	Criteria       audit.ReportCriteria `json:"criteria"`
	TotalEvents    int                  `json:"totalEvents"`
	FilteredEvents int                  `json:"filteredEvents"`
}

// TimeRangeSummary bounds the events actually present in a report.
type TimeRangeSummary struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// ReportSummary aggregates the report's event set.
type ReportSummary struct {
	EventsByStatus             map[string]int   `json:"eventsByStatus"`
	EventsByAction             map[string]int   `json:"eventsByAction"`
	EventsByDataClassification map[string]int   `json:"eventsByDataClassification"`
	UniquePrincipals           int              `json:"uniquePrincipals"`
	UniqueResources            int              `json:"uniqueResources"`
	IntegrityViolations        int              `json:"integrityViolations"`
	UnqueryableEvents          int              `json:"unqueryableEvents"`
	TimeRange                  TimeRangeSummary `json:"timeRange"`
}

// ComplianceReport is the full report payload handed to the exporter.
type ComplianceReport struct {
	Metadata        ReportMetadata               `json:"metadata"`
	Summary         ReportSummary                `json:"summary"`
	Events          []*audit.Event               `json:"events"`
	IntegrityReport *IntegrityVerificationReport `json:"integrityReport,omitempty"`
}

// IntegrityVerificationResults totals one verification pass.
type IntegrityVerificationResults struct {
	TotalEvents         int     `json:"totalEvents"`
	VerifiedEvents      int     `json:"verifiedEvents"`
	FailedVerifications int     `json:"failedVerifications"`
	VerificationRate    float64 `json:"verificationRate"`
}

// IntegrityFailure describes one hash mismatch.
type IntegrityFailure struct {
	EventID      string `json:"eventId"`
	ExpectedHash string `json:"expectedHash"`
	ComputedHash string `json:"computedHash"`
	Reason       string `json:"reason"`
}

// IntegrityVerificationReport is the outcome of hash verification over a
// stored event set.
type IntegrityVerificationReport struct {
	VerificationID string                       `json:"verificationId"`
	VerifiedAt     time.Time                    `json:"verifiedAt"`
	Results        IntegrityVerificationResults `json:"results"`
	Failures       []IntegrityFailure           `json:"failures,omitempty"`
}

// Reporter generates HIPAA, GDPR, and integrity reports over stored audit
// events. It never joins across organizations: the criteria's organization
// scope is authoritative.
type Reporter struct {
	source EventSource
	logger *zap.Logger
}

// NewReporter creates a reporter over an event source.
func NewReporter(source EventSource, logger *zap.Logger) *Reporter {
	return &Reporter{source: source, logger: logger}
}

// GenerateComplianceReport builds a report over an already-fetched event
// set, applying the criteria as an in-memory filter.
func (r *Reporter) GenerateComplianceReport(events []*audit.Event, criteria audit.ReportCriteria, reportType ReportType) *ComplianceReport {
	filtered := make([]*audit.Event, 0, len(events))
	for _, e := range events {
		if criteria.Matches(e) {
			filtered = append(filtered, e)
		}
	}
	if criteria.Limit > 0 && len(filtered) > criteria.Limit {
		filtered = filtered[:criteria.Limit]
	}

	report := &ComplianceReport{
		Metadata: ReportMetadata{
			ReportID:       uuid.New().String(),
			ReportType:     reportType,
			GeneratedAt:    time.Now().UTC(),
			Criteria:       criteria,
			TotalEvents:    len(events),
			FilteredEvents: len(filtered),
		},
		Summary: summarize(filtered),
		Events:  filtered,
	}
	return report
}

// GenerateHIPAAReport reports on PHI access: only PHI-classified events
// are included unless the caller explicitly widened the classification
// filter.
func (r *Reporter) GenerateHIPAAReport(ctx context.Context, criteria audit.ReportCriteria) (*ComplianceReport, error) {
	if len(criteria.DataClassifications) == 0 {
		criteria.DataClassifications = []audit.DataClassification{audit.ClassificationPHI}
	}
	events, err := r.source.QueryEvents(ctx, criteria)
	if err != nil {
		return nil, err
	}
	return r.GenerateComplianceReport(events, criteria, ReportTypeHIPAA), nil
}

// GenerateGDPRReport reports on data-subject processing: events without a
// principal are excluded, since GDPR reporting is anchored on the data
// subject.
func (r *Reporter) GenerateGDPRReport(ctx context.Context, criteria audit.ReportCriteria) (*ComplianceReport, error) {
	events, err := r.source.QueryEvents(ctx, criteria)
	if err != nil {
		return nil, err
	}

	subjects := make([]*audit.Event, 0, len(events))
	for _, e := range events {
		if e.PrincipalID != "" {
			subjects = append(subjects, e)
		}
	}
	return r.GenerateComplianceReport(subjects, criteria, ReportTypeGDPR), nil
}

// GenerateIntegrityVerificationReport recomputes the canonical hash for
// each stored event and compares it against the hash recorded at ingest.
// With performVerification false, only totals are reported.
func (r *Reporter) GenerateIntegrityVerificationReport(ctx context.Context, criteria audit.ReportCriteria, performVerification bool) (*IntegrityVerificationReport, error) {
	events, err := r.source.QueryEvents(ctx, criteria)
	if err != nil {
		return nil, err
	}

	report := &IntegrityVerificationReport{
		VerificationID: uuid.New().String(),
		VerifiedAt:     time.Now().UTC(),
		Results: IntegrityVerificationResults{
			TotalEvents: len(events),
		},
	}
	if !performVerification {
		return report, nil
	}

	for _, e := range events {
		expected := e.Hash
		if stored, err := r.source.StoredHash(ctx, e.ID.String()); err == nil && stored != "" {
			expected = stored
		}
		if expected == "" {
			continue // never hashed; nothing to verify
		}

		computed := audit.HashEvent(e)
		if audit.VerifyEventHash(e, expected) {
			report.Results.VerifiedEvents++
			continue
		}

		report.Results.FailedVerifications++
		report.Failures = append(report.Failures, IntegrityFailure{
			EventID:      e.ID.String(),
			ExpectedHash: expected,
			ComputedHash: computed,
			Reason:       "canonical hash mismatch",
		})
		r.logger.Warn("integrity verification failure",
			zap.String("event_id", e.ID.String()))
	}

	verified := report.Results.VerifiedEvents
	checked := verified + report.Results.FailedVerifications
	if checked > 0 {
		report.Results.VerificationRate = float64(verified) / float64(checked)
	}
	return report, nil
}

// QueryEvents exposes the underlying source for callers that assemble
// reports from a shared fetch.
func (r *Reporter) QueryEvents(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error) {
	return r.source.QueryEvents(ctx, criteria)
}

// summarize aggregates the filtered event set. Integrity violations are
// counted by recomputing each hashed event's canonical hash.
func summarize(events []*audit.Event) ReportSummary {
	summary := ReportSummary{
		EventsByStatus:             make(map[string]int),
		EventsByAction:             make(map[string]int),
		EventsByDataClassification: make(map[string]int),
	}

	principals := make(map[string]struct{})
	resources := make(map[string]struct{})
	var earliest, latest time.Time

	for _, e := range events {
		summary.EventsByStatus[string(e.Status)]++
		summary.EventsByAction[e.Action]++
		summary.EventsByDataClassification[string(e.DataClassification)]++

		if e.PrincipalID != "" {
			principals[e.PrincipalID] = struct{}{}
		}
		if e.TargetResourceID != "" {
			resources[e.TargetResourceType+"/"+e.TargetResourceID] = struct{}{}
		}
		if !e.IsQueryable() {
			summary.UnqueryableEvents++
		}
		if e.Hash != "" && !audit.VerifyEventHash(e, e.Hash) {
			summary.IntegrityViolations++
		}

		if ts, err := e.ParsedTimestamp(); err == nil {
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
			if latest.IsZero() || ts.After(latest) {
				latest = ts
			}
		}
	}

	summary.UniquePrincipals = len(principals)
	summary.UniqueResources = len(resources)
	if !earliest.IsZero() {
		summary.TimeRange.Earliest = earliest.UTC().Format(time.RFC3339)
		summary.TimeRange.Latest = latest.UTC().Format(time.RFC3339)
	}
	return summary
}
