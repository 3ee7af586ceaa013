package compliance

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/audit"
	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// Export formats.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
	FormatPDF  ExportFormat = "pdf"
)

// Compression modes.
const (
	CompressionGzip = "gzip"
	CompressionZip  = "zip"
)

// csvHeader is the fixed CSV column order.
var csvHeader = []string{
	"ID", "Timestamp", "Principal ID", "Organization ID", "Action",
	"Target Resource Type", "Target Resource ID", "Status",
	"Outcome Description", "Data Classification", "IP Address",
	"User Agent", "Session ID", "Integrity Status", "Correlation ID",
}

// EncryptionOptions enables authenticated encryption of the export.
type EncryptionOptions struct {
	Enabled   bool
	Key       []byte // 32 bytes for AES-256-GCM
	KeyID     string
	Algorithm string // AES-256-GCM
}

// ExportOptions configures one export.
type ExportOptions struct {
	Format                 ExportFormat
	IncludeMetadata        bool
	IncludeIntegrityReport bool
	Compression            string // "", gzip, zip
	Encryption             EncryptionOptions
	MaxPDFEvents           int
}

// EncryptionMetadata records how the payload was encrypted.
type EncryptionMetadata struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId,omitempty"`
	IV        string `json:"iv"`
}

// SkippedEvent records a per-row encoding failure.
type SkippedEvent struct {
	EventID string `json:"eventId"`
	Reason  string `json:"reason"`
}

// ExportResult is the final encoded artifact.
type ExportResult struct {
	ExportID      string              `json:"exportId"`
	Format        ExportFormat        `json:"format"`
	ExportedAt    time.Time           `json:"exportedAt"`
	Config        ExportOptions       `json:"-"`
	Data          []byte              `json:"-"`
	ContentType   string              `json:"contentType"`
	Filename      string              `json:"filename"`
	Size          int                 `json:"size"`
	Checksum      string              `json:"checksum"`
	Compression   string              `json:"compression,omitempty"`
	Encryption    *EncryptionMetadata `json:"encryption,omitempty"`
	SkippedEvents []SkippedEvent      `json:"skippedEvents,omitempty"`
}

// Exporter serializes compliance reports into the supported formats and
// runs the fixed post-encoding pipeline: compression, then authenticated
// encryption, then a checksum over the final bytes.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an exporter.
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// Export encodes a report. Per-row encoding failures skip the offending
// event and are recorded in the result; format-level failures abort.
func (x *Exporter) Export(report *ComplianceReport, opts ExportOptions) (*ExportResult, error) {
	if report == nil {
		return nil, errors.NewValidationError("MISSING_REPORT", "report is required")
	}

	var (
		payload []byte
		skipped []SkippedEvent
		err     error
	)
	switch opts.Format {
	case FormatJSON:
		payload, err = x.encodeJSON(report, opts)
	case FormatCSV:
		payload, skipped, err = x.encodeCSV(report, opts)
	case FormatXML:
		payload, err = x.encodeXML(report, opts)
	case FormatPDF:
		payload, err = x.encodePDF(report, opts)
	default:
		return nil, errors.NewValidationError("INVALID_FORMAT",
			fmt.Sprintf("unsupported export format %q", opts.Format))
	}
	if err != nil {
		return nil, err
	}

	result := &ExportResult{
		ExportID:      uuid.New().String(),
		Format:        opts.Format,
		ExportedAt:    time.Now().UTC(),
		Config:        opts,
		ContentType:   contentTypeFor(opts.Format),
		SkippedEvents: skipped,
	}

	filename := fmt.Sprintf("audit-report-%s.%s", report.Metadata.ReportID, opts.Format)

	// Fixed pipeline order: compression, encryption, checksum.
	if opts.Compression != "" {
		payload, err = compress(payload, opts.Compression, filename)
		if err != nil {
			return nil, err
		}
		result.Compression = opts.Compression
		result.ContentType = "application/octet-stream"
		switch opts.Compression {
		case CompressionGzip:
			filename += ".gz"
		case CompressionZip:
			filename += ".zip"
		}
	}

	if opts.Encryption.Enabled {
		encrypted, meta, err := encrypt(payload, opts.Encryption)
		if err != nil {
			return nil, err
		}
		payload = encrypted
		result.Encryption = meta
		result.ContentType = "application/octet-stream"
		filename += ".enc"
	}

	sum := sha256.Sum256(payload)
	result.Data = payload
	result.Size = len(payload)
	result.Checksum = hex.EncodeToString(sum[:])
	result.Filename = filename

	x.logger.Info("report exported",
		zap.String("export_id", result.ExportID),
		zap.String("format", string(opts.Format)),
		zap.Int("size", result.Size),
		zap.Int("skipped", len(skipped)))
	return result, nil
}

func contentTypeFor(format ExportFormat) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// encodeJSON emits the report as indented JSON, honoring the metadata and
// integrity-report flags.
func (x *Exporter) encodeJSON(report *ComplianceReport, opts ExportOptions) ([]byte, error) {
	out := struct {
		Metadata        *ReportMetadata              `json:"metadata,omitempty"`
		Summary         ReportSummary                `json:"summary"`
		Events          []*audit.Event               `json:"events"`
		IntegrityReport *IntegrityVerificationReport `json:"integrityReport,omitempty"`
	}{
		Summary: report.Summary,
		Events:  report.Events,
	}
	if opts.IncludeMetadata {
		out.Metadata = &report.Metadata
	}
	if opts.IncludeIntegrityReport {
		out.IntegrityReport = report.IntegrityReport
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode report JSON").WithCause(err)
	}
	return data, nil
}

// encodeCSV writes the fixed header order, with metadata as #-prefixed
// comment lines when requested. encoding/csv double-quotes values
// containing commas, quotes, or newlines and doubles embedded quotes.
func (x *Exporter) encodeCSV(report *ComplianceReport, opts ExportOptions) ([]byte, []SkippedEvent, error) {
	var buf bytes.Buffer

	if opts.IncludeMetadata {
		fmt.Fprintf(&buf, "# Report ID: %s\n", report.Metadata.ReportID)
		fmt.Fprintf(&buf, "# Report Type: %s\n", report.Metadata.ReportType)
		fmt.Fprintf(&buf, "# Generated At: %s\n", report.Metadata.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(&buf, "# Total Events: %d\n", report.Metadata.TotalEvents)
		fmt.Fprintf(&buf, "# Filtered Events: %d\n", report.Metadata.FilteredEvents)
	}

	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, nil, errors.NewInternalError("failed to write CSV header").WithCause(err)
	}

	skipped := make([]SkippedEvent, 0)
	for _, e := range report.Events {
		row, err := csvRow(e, report.IntegrityReport)
		if err != nil {
			skipped = append(skipped, SkippedEvent{
				EventID: e.ID.String(),
				Reason:  err.Error(),
			})
			continue
		}
		if err := w.Write(row); err != nil {
			skipped = append(skipped, SkippedEvent{
				EventID: e.ID.String(),
				Reason:  err.Error(),
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, nil, errors.NewInternalError("failed to flush CSV").WithCause(err)
	}
	return buf.Bytes(), skipped, nil
}

// csvRow renders one event in the fixed column order.
func csvRow(e *audit.Event, integrity *IntegrityVerificationReport) ([]string, error) {
	if e == nil {
		return nil, errors.NewExportEncodingError("nil event")
	}

	var ip, agent, session string
	if sc := e.SessionContext; sc != nil {
		ip = sc.IPAddress
		agent = sc.UserAgent
		session = sc.SessionID
	}

	return []string{
		e.ID.String(),
		e.Timestamp,
		e.PrincipalID,
		e.OrganizationID,
		e.Action,
		e.TargetResourceType,
		e.TargetResourceID,
		string(e.Status),
		e.OutcomeDescription,
		string(e.DataClassification),
		ip,
		agent,
		session,
		integrityStatus(e, integrity),
		e.CorrelationID,
	}, nil
}

// integrityStatus resolves the per-event integrity column. When the report
// carries a verification pass, its verdict wins; events outside any
// verification are recomputed against their own recorded hash, and
// unhashed events export as unverified.
func integrityStatus(e *audit.Event, integrity *IntegrityVerificationReport) string {
	if integrity != nil {
		for _, failure := range integrity.Failures {
			if failure.EventID == e.ID.String() {
				return "failed"
			}
		}
		if e.Hash != "" {
			return "verified"
		}
		return "unverified"
	}
	if e.Hash == "" {
		return "unverified"
	}
	if audit.VerifyEventHash(e, e.Hash) {
		return "verified"
	}
	return "failed"
}

// XML document structure.

type xmlReport struct {
	XMLName         xml.Name      `xml:"auditReport"`
	Metadata        *xmlMetadata  `xml:"metadata,omitempty"`
	Summary         xmlSummary    `xml:"summary"`
	Events          xmlEvents     `xml:"events"`
	IntegrityReport *xmlIntegrity `xml:"integrityReport,omitempty"`
}

type xmlMetadata struct {
	ReportID       string `xml:"reportId"`
	ReportType     string `xml:"reportType"`
	GeneratedAt    string `xml:"generatedAt"`
	TotalEvents    int    `xml:"totalEvents"`
	FilteredEvents int    `xml:"filteredEvents"`
}

type xmlSummary struct {
	UniquePrincipals    int           `xml:"uniquePrincipals"`
	UniqueResources     int           `xml:"uniqueResources"`
	IntegrityViolations int           `xml:"integrityViolations"`
	Earliest            string        `xml:"timeRange>earliest,omitempty"`
	Latest              string        `xml:"timeRange>latest,omitempty"`
	ByStatus            []xmlKeyCount `xml:"eventsByStatus>entry"`
	ByAction            []xmlKeyCount `xml:"eventsByAction>entry"`
	ByClassification    []xmlKeyCount `xml:"eventsByDataClassification>entry"`
}

type xmlKeyCount struct {
	Key   string `xml:"key,attr"`
	Count int    `xml:"count,attr"`
}

type xmlEvents struct {
	Events []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	ID                 string `xml:"id"`
	Timestamp          string `xml:"timestamp"`
	Action             string `xml:"action"`
	Status             string `xml:"status"`
	PrincipalID        string `xml:"principalId,omitempty"`
	OrganizationID     string `xml:"organizationId,omitempty"`
	TargetResourceType string `xml:"targetResourceType,omitempty"`
	TargetResourceID   string `xml:"targetResourceId,omitempty"`
	OutcomeDescription string `xml:"outcomeDescription,omitempty"`
	DataClassification string `xml:"dataClassification"`
	CorrelationID      string `xml:"correlationId,omitempty"`
	Hash               string `xml:"hash,omitempty"`
}

type xmlIntegrity struct {
	VerificationID      string `xml:"verificationId"`
	VerifiedAt          string `xml:"verifiedAt"`
	TotalEvents         int    `xml:"totalEvents"`
	VerifiedEvents      int    `xml:"verifiedEvents"`
	FailedVerifications int    `xml:"failedVerifications"`
}

// encodeXML emits the report as an auditReport document. encoding/xml
// entity-escapes all text content.
func (x *Exporter) encodeXML(report *ComplianceReport, opts ExportOptions) ([]byte, error) {
	doc := xmlReport{
		Summary: xmlSummary{
			UniquePrincipals:    report.Summary.UniquePrincipals,
			UniqueResources:     report.Summary.UniqueResources,
			IntegrityViolations: report.Summary.IntegrityViolations,
			Earliest:            report.Summary.TimeRange.Earliest,
			Latest:              report.Summary.TimeRange.Latest,
			ByStatus:            keyCounts(report.Summary.EventsByStatus),
			ByAction:            keyCounts(report.Summary.EventsByAction),
			ByClassification:    keyCounts(report.Summary.EventsByDataClassification),
		},
	}
	if opts.IncludeMetadata {
		doc.Metadata = &xmlMetadata{
			ReportID:       report.Metadata.ReportID,
			ReportType:     string(report.Metadata.ReportType),
			GeneratedAt:    report.Metadata.GeneratedAt.Format(time.RFC3339),
			TotalEvents:    report.Metadata.TotalEvents,
			FilteredEvents: report.Metadata.FilteredEvents,
		}
	}
	for _, e := range report.Events {
		doc.Events.Events = append(doc.Events.Events, xmlEvent{
			ID:                 e.ID.String(),
			Timestamp:          e.Timestamp,
			Action:             e.Action,
			Status:             string(e.Status),
			PrincipalID:        e.PrincipalID,
			OrganizationID:     e.OrganizationID,
			TargetResourceType: e.TargetResourceType,
			TargetResourceID:   e.TargetResourceID,
			OutcomeDescription: e.OutcomeDescription,
			DataClassification: string(e.DataClassification),
			CorrelationID:      e.CorrelationID,
			Hash:               e.Hash,
		})
	}
	if opts.IncludeIntegrityReport && report.IntegrityReport != nil {
		doc.IntegrityReport = &xmlIntegrity{
			VerificationID:      report.IntegrityReport.VerificationID,
			VerifiedAt:          report.IntegrityReport.VerifiedAt.Format(time.RFC3339),
			TotalEvents:         report.IntegrityReport.Results.TotalEvents,
			VerifiedEvents:      report.IntegrityReport.Results.VerifiedEvents,
			FailedVerifications: report.IntegrityReport.Results.FailedVerifications,
		}
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode report XML").WithCause(err)
	}
	return append([]byte(xml.Header), data...), nil
}

func keyCounts(m map[string]int) []xmlKeyCount {
	out := make([]xmlKeyCount, 0, len(m))
	for k, v := range m {
		out = append(out, xmlKeyCount{Key: k, Count: v})
	}
	return out
}

// compress applies gzip or zip (single entry named after the payload).
func compress(payload []byte, mode, entryName string) ([]byte, error) {
	var buf bytes.Buffer
	switch mode {
	case CompressionGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, errors.NewInternalError("gzip compression failed").WithCause(err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewInternalError("gzip compression failed").WithCause(err)
		}
	case CompressionZip:
		w := zip.NewWriter(&buf)
		entry, err := w.Create(entryName)
		if err != nil {
			return nil, errors.NewInternalError("zip compression failed").WithCause(err)
		}
		if _, err := entry.Write(payload); err != nil {
			return nil, errors.NewInternalError("zip compression failed").WithCause(err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewInternalError("zip compression failed").WithCause(err)
		}
	default:
		return nil, errors.NewValidationError("INVALID_COMPRESSION",
			fmt.Sprintf("unsupported compression %q", mode))
	}
	return buf.Bytes(), nil
}

// encrypt applies AES-256-GCM with a fresh random nonce, recorded in the
// metadata alongside the key id.
func encrypt(payload []byte, opts EncryptionOptions) ([]byte, *EncryptionMetadata, error) {
	if len(opts.Key) != 32 {
		return nil, nil, errors.NewValidationError("INVALID_KEY",
			"encryption requires a 32-byte key")
	}

	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, nil, errors.NewInternalError("cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.NewInternalError("gcm init failed").WithCause(err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.NewInternalError("nonce generation failed").WithCause(err)
	}

	sealed := gcm.Seal(nonce, nonce, payload, nil)

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = "AES-256-GCM"
	}
	return sealed, &EncryptionMetadata{
		Algorithm: algorithm,
		KeyID:     opts.KeyID,
		IV:        hex.EncodeToString(nonce),
	}, nil
}

// Decrypt reverses encrypt for consumers holding the key. The nonce is the
// sealed payload's prefix.
func Decrypt(sealed []byte, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.NewValidationError("INVALID_KEY", "decryption requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewInternalError("cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("gcm init failed").WithCause(err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.NewValidationError("INVALID_PAYLOAD", "payload shorter than nonce")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, errors.NewIntegrityError("payload authentication failed").WithCause(err)
	}
	return plain, nil
}
