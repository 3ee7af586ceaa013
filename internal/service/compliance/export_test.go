package compliance

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
)

func sampleReport(t *testing.T) *ComplianceReport {
	t.Helper()

	e1 := audit.NewEvent("user.login", audit.StatusSuccess)
	e1.Timestamp = "2023-10-26T10:30:00.000Z"
	e1.PrincipalID = "u1"
	e1.OrganizationID = "org1"
	e1.OutcomeDescription = `Success with "quotes"`
	e1.SessionContext = &audit.SessionContext{
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
		SessionID: "s1",
	}
	e1.Hash = audit.HashEvent(e1)

	e2 := audit.NewEvent("record.read", audit.StatusAttempt)
	e2.Timestamp = "2023-10-26T11:00:00.000Z"
	e2.PrincipalID = "u2"
	e2.OrganizationID = "org1"
	e2.DataClassification = audit.ClassificationPHI
	e2.Hash = audit.HashEvent(e2)

	reporter := NewReporter(nil, zap.NewNop())
	return reporter.GenerateComplianceReport(
		[]*audit.Event{e1, e2},
		audit.ReportCriteria{},
		ReportTypeGeneral)
}

func TestExport_CSVHeaderAndQuoting(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{Format: FormatCSV})
	require.NoError(t, err)

	content := string(result.Data)
	lines := strings.Split(content, "\n")
	assert.Equal(t,
		"ID,Timestamp,Principal ID,Organization ID,Action,Target Resource Type,Target Resource ID,Status,Outcome Description,Data Classification,IP Address,User Agent,Session ID,Integrity Status,Correlation ID",
		lines[0])

	assert.Contains(t, content, `"Success with ""quotes"""`,
		"embedded quotes are doubled inside a quoted value")

	// The emitted CSV parses back to the same row count.
	records, err := csv.NewReader(strings.NewReader(content)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3, "header plus two event rows")
	assert.Equal(t, "verified", records[1][13], "hashed untampered event verifies at export")
}

func TestExport_CSVMetadataComments(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{Format: FormatCSV, IncludeMetadata: true})
	require.NoError(t, err)

	lines := strings.Split(string(result.Data), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "# Report ID: "))
	headerIdx := 0
	for i, line := range lines {
		if !strings.HasPrefix(line, "#") {
			headerIdx = i
			break
		}
	}
	assert.True(t, strings.HasPrefix(lines[headerIdx], "ID,Timestamp,"),
		"comment lines precede the header")
}

func TestExport_JSONRoundTrip(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{Format: FormatJSON, IncludeMetadata: true})
	require.NoError(t, err)

	var decoded struct {
		Metadata *ReportMetadata `json:"metadata"`
		Summary  ReportSummary   `json:"summary"`
		Events   []*audit.Event  `json:"events"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &decoded))

	require.NotNil(t, decoded.Metadata)
	assert.Equal(t, report.Metadata.ReportID, decoded.Metadata.ReportID)
	assert.Equal(t, report.Summary.UniquePrincipals, decoded.Summary.UniquePrincipals)
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, report.Events[0].Action, decoded.Events[0].Action)
	assert.Equal(t, report.Events[0].Hash, decoded.Events[0].Hash)
}

func TestExport_JSONOmitsMetadataPerFlag(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{Format: FormatJSON})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Data, &decoded))
	assert.NotContains(t, decoded, "metadata")
	assert.NotContains(t, decoded, "integrityReport")
}

func TestExport_XMLEscaping(t *testing.T) {
	x := NewExporter(zap.NewNop())

	e := audit.NewEvent("user.login", audit.StatusSuccess)
	e.Timestamp = "2023-10-26T10:30:00.000Z"
	e.PrincipalID = "u1"
	e.OutcomeDescription = `contains <tags> & "quotes"`
	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport([]*audit.Event{e}, audit.ReportCriteria{}, ReportTypeGeneral)

	result, err := x.Export(report, ExportOptions{Format: FormatXML, IncludeMetadata: true})
	require.NoError(t, err)

	content := string(result.Data)
	assert.Contains(t, content, "<auditReport>")
	assert.Contains(t, content, "&lt;tags&gt; &amp;")
	assert.NotContains(t, content, `<tags>`)
}

func TestExport_PDFBoundsEvents(t *testing.T) {
	x := NewExporter(zap.NewNop())

	events := make([]*audit.Event, 150)
	for i := range events {
		e := audit.NewEvent("bulk.write", audit.StatusSuccess)
		e.Timestamp = "2023-10-26T10:30:00.000Z"
		e.PrincipalID = "u1"
		events[i] = e
	}
	reporter := NewReporter(nil, zap.NewNop())
	report := reporter.GenerateComplianceReport(events, audit.ReportCriteria{}, ReportTypeGeneral)

	result, err := x.Export(report, ExportOptions{Format: FormatPDF, IncludeMetadata: true})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(result.Data, []byte("%PDF-1.4")))
	assert.Contains(t, string(result.Data), "%%EOF")
	assert.Contains(t, string(result.Data), "50 more events omitted")
	assert.Equal(t, "application/pdf", result.ContentType)
}

func TestExport_GzipPipeline(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{
		Format:      FormatJSON,
		Compression: CompressionGzip,
	})
	require.NoError(t, err)

	assert.Equal(t, CompressionGzip, result.Compression)
	assert.True(t, strings.HasSuffix(result.Filename, ".json.gz"))

	r, err := gzip.NewReader(bytes.NewReader(result.Data))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(plain, &decoded))
}

func TestExport_ZipPipeline(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{
		Format:      FormatCSV,
		Compression: CompressionZip,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Filename, ".csv.zip"))

	zr, err := zip.NewReader(bytes.NewReader(result.Data), int64(len(result.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "audit-report-"+report.Metadata.ReportID+".csv", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "ID,Timestamp,"))
}

func TestExport_EncryptionPipeline(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)
	key := bytes.Repeat([]byte("k"), 32)

	result, err := x.Export(report, ExportOptions{
		Format:      FormatJSON,
		Compression: CompressionGzip,
		Encryption: EncryptionOptions{
			Enabled: true,
			Key:     key,
			KeyID:   "key-1",
		},
	})
	require.NoError(t, err)

	require.NotNil(t, result.Encryption)
	assert.Equal(t, "AES-256-GCM", result.Encryption.Algorithm)
	assert.Equal(t, "key-1", result.Encryption.KeyID)
	assert.NotEmpty(t, result.Encryption.IV)
	assert.True(t, strings.HasSuffix(result.Filename, ".json.gz.enc"))

	// Checksum covers the final encrypted bytes.
	sum := sha256.Sum256(result.Data)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)

	// Decrypt then decompress reverses the pipeline.
	plain, err := Decrypt(result.Data, key)
	require.NoError(t, err)
	r, err := gzip.NewReader(bytes.NewReader(plain))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, json.Valid(decompressed))
}

func TestExport_FilenamePattern(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	result, err := x.Export(report, ExportOptions{Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, "audit-report-"+report.Metadata.ReportID+".csv", result.Filename)
	assert.Equal(t, len(result.Data), result.Size)
}

func TestExport_UnknownFormatFails(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)

	_, err := x.Export(report, ExportOptions{Format: "yaml"})
	require.Error(t, err)
}

func TestExport_IntegrityStatusFromVerification(t *testing.T) {
	x := NewExporter(zap.NewNop())
	report := sampleReport(t)
	report.IntegrityReport = &IntegrityVerificationReport{
		VerificationID: "v1",
		VerifiedAt:     time.Now().UTC(),
		Failures: []IntegrityFailure{
			{EventID: report.Events[0].ID.String(), Reason: "canonical hash mismatch"},
		},
	}

	result, err := x.Export(report, ExportOptions{Format: FormatCSV})
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(result.Data)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "failed", records[1][13])
	assert.Equal(t, "verified", records[2][13])
}
