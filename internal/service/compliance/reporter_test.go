package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
)

// fakeSource serves canned events and stored hashes.
type fakeSource struct {
	events []*audit.Event
	hashes map[string]string
}

func (s *fakeSource) QueryEvents(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error) {
	out := make([]*audit.Event, 0, len(s.events))
	for _, e := range s.events {
		if criteria.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeSource) StoredHash(ctx context.Context, eventID string) (string, error) {
	return s.hashes[eventID], nil
}

func buildEvent(action string, status audit.Status, principal, org string, class audit.DataClassification, ts string) *audit.Event {
	e := audit.NewEvent(action, status)
	e.Timestamp = ts
	e.PrincipalID = principal
	e.OrganizationID = org
	e.DataClassification = class
	e.Hash = audit.HashEvent(e)
	return e
}

func TestGenerateComplianceReport_Summary(t *testing.T) {
	events := []*audit.Event{
		buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
		buildEvent("user.login", audit.StatusFailure, "u2", "org1", audit.ClassificationInternal, "2023-10-26T11:00:00.000Z"),
		buildEvent("record.read", audit.StatusSuccess, "u1", "org1", audit.ClassificationPHI, "2023-10-26T12:00:00.000Z"),
	}
	events[2].TargetResourceType = "chart"
	events[2].TargetResourceID = "c1"
	events[2].Hash = audit.HashEvent(events[2])

	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport(events, audit.ReportCriteria{}, ReportTypeGeneral)

	assert.Equal(t, ReportTypeGeneral, report.Metadata.ReportType)
	assert.Equal(t, 3, report.Metadata.TotalEvents)
	assert.Equal(t, 3, report.Metadata.FilteredEvents)

	assert.Equal(t, 2, report.Summary.EventsByStatus["success"])
	assert.Equal(t, 1, report.Summary.EventsByStatus["failure"])
	assert.Equal(t, 2, report.Summary.EventsByAction["user.login"])
	assert.Equal(t, 1, report.Summary.EventsByDataClassification["PHI"])
	assert.Equal(t, 2, report.Summary.UniquePrincipals)
	assert.Equal(t, 1, report.Summary.UniqueResources)
	assert.Zero(t, report.Summary.IntegrityViolations)
	assert.Equal(t, "2023-10-26T10:00:00Z", report.Summary.TimeRange.Earliest)
	assert.Equal(t, "2023-10-26T12:00:00Z", report.Summary.TimeRange.Latest)
}

func TestGenerateComplianceReport_CriteriaFilter(t *testing.T) {
	events := []*audit.Event{
		buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
		buildEvent("user.login", audit.StatusSuccess, "u2", "org2", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
	}

	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport(events, audit.ReportCriteria{
		OrganizationIDs: []string{"org1"},
	}, ReportTypeGeneral)

	assert.Equal(t, 2, report.Metadata.TotalEvents)
	assert.Equal(t, 1, report.Metadata.FilteredEvents)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "org1", report.Events[0].OrganizationID)
}

func TestGenerateComplianceReport_CountsTamperedEvents(t *testing.T) {
	tampered := buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z")
	tampered.Action = "user.delete" // mutated after hashing

	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport([]*audit.Event{tampered}, audit.ReportCriteria{}, ReportTypeGeneral)

	assert.Equal(t, 1, report.Summary.IntegrityViolations)
}

func TestGenerateComplianceReport_FlagsUnqueryable(t *testing.T) {
	e := audit.NewEvent("system.tick", audit.StatusSuccess)
	e.Timestamp = "2023-10-26T10:00:00.000Z"

	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport([]*audit.Event{e}, audit.ReportCriteria{}, ReportTypeGeneral)

	assert.Equal(t, 1, report.Summary.UnqueryableEvents)
}

func TestGenerateHIPAAReport_DefaultsToPHI(t *testing.T) {
	source := &fakeSource{events: []*audit.Event{
		buildEvent("record.read", audit.StatusSuccess, "u1", "org1", audit.ClassificationPHI, "2023-10-26T10:00:00.000Z"),
		buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
	}}

	reporter := NewReporter(source, zap.NewNop())
	report, err := reporter.GenerateHIPAAReport(context.Background(), audit.ReportCriteria{
		OrganizationIDs: []string{"org1"},
	})
	require.NoError(t, err)

	assert.Equal(t, ReportTypeHIPAA, report.Metadata.ReportType)
	require.Len(t, report.Events, 1)
	assert.Equal(t, audit.ClassificationPHI, report.Events[0].DataClassification)
}

func TestGenerateGDPRReport_RequiresDataSubject(t *testing.T) {
	noSubject := audit.NewEvent("system.cleanup", audit.StatusSuccess)
	noSubject.Timestamp = "2023-10-26T10:00:00.000Z"
	noSubject.OrganizationID = "org1"

	source := &fakeSource{events: []*audit.Event{
		buildEvent("record.read", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
		noSubject,
	}}

	reporter := NewReporter(source, zap.NewNop())
	report, err := reporter.GenerateGDPRReport(context.Background(), audit.ReportCriteria{
		OrganizationIDs: []string{"org1"},
	})
	require.NoError(t, err)

	assert.Equal(t, ReportTypeGDPR, report.Metadata.ReportType)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "u1", report.Events[0].PrincipalID)
}

func TestGenerateIntegrityVerificationReport(t *testing.T) {
	clean := buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z")

	tampered := buildEvent("record.read", audit.StatusSuccess, "u2", "org1", audit.ClassificationInternal, "2023-10-26T11:00:00.000Z")
	storedHash := tampered.Hash
	tampered.Action = "record.delete" // database row mutated after ingest

	source := &fakeSource{
		events: []*audit.Event{clean, tampered},
		hashes: map[string]string{
			clean.ID.String():    clean.Hash,
			tampered.ID.String(): storedHash,
		},
	}

	reporter := NewReporter(source, zap.NewNop())
	report, err := reporter.GenerateIntegrityVerificationReport(context.Background(),
		audit.ReportCriteria{}, true)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Results.TotalEvents)
	assert.Equal(t, 1, report.Results.VerifiedEvents)
	assert.Equal(t, 1, report.Results.FailedVerifications)
	assert.InDelta(t, 0.5, report.Results.VerificationRate, 1e-9)

	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, tampered.ID.String(), failure.EventID)
	assert.Equal(t, storedHash, failure.ExpectedHash)
	assert.NotEqual(t, failure.ExpectedHash, failure.ComputedHash)
}

func TestGenerateIntegrityVerificationReport_SkipsVerification(t *testing.T) {
	source := &fakeSource{events: []*audit.Event{
		buildEvent("user.login", audit.StatusSuccess, "u1", "org1", audit.ClassificationInternal, "2023-10-26T10:00:00.000Z"),
	}}

	reporter := NewReporter(source, zap.NewNop())
	report, err := reporter.GenerateIntegrityVerificationReport(context.Background(),
		audit.ReportCriteria{}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Results.TotalEvents)
	assert.Zero(t, report.Results.VerifiedEvents)
	assert.Empty(t, report.Failures)
	assert.False(t, report.VerifiedAt.IsZero())
}
