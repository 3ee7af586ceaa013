package compliance

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

// PDF layout constants. The layout is deterministic: the same report
// always yields the same page structure.
const (
	pdfPageWidth        = 612 // US Letter, points
	pdfPageHeight       = 792
	pdfMarginLeft       = 50
	pdfTopY             = 742
	pdfLineHeight       = 14
	pdfLinesPerPage     = 46
	defaultMaxPDFEvents = 100
)

// encodePDF renders the report as a paginated text document: title,
// metadata block, summary block, then the first N events as table lines.
func (x *Exporter) encodePDF(report *ComplianceReport, opts ExportOptions) ([]byte, error) {
	maxEvents := opts.MaxPDFEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxPDFEvents
	}

	lines := buildPDFLines(report, opts, maxEvents)
	doc, err := renderPDF(lines)
	if err != nil {
		return nil, errors.NewInternalError("failed to render PDF").WithCause(err)
	}
	return doc, nil
}

// buildPDFLines lays the report out as text lines.
func buildPDFLines(report *ComplianceReport, opts ExportOptions, maxEvents int) []string {
	lines := []string{
		"Audit Compliance Report",
		"",
	}

	if opts.IncludeMetadata {
		lines = append(lines,
			fmt.Sprintf("Report ID: %s", report.Metadata.ReportID),
			fmt.Sprintf("Report Type: %s", report.Metadata.ReportType),
			fmt.Sprintf("Generated At: %s", report.Metadata.GeneratedAt.Format(time.RFC3339)),
			fmt.Sprintf("Total Events: %d  Filtered: %d",
				report.Metadata.TotalEvents, report.Metadata.FilteredEvents),
			"",
		)
	}

	lines = append(lines,
		"Summary",
		fmt.Sprintf("  Unique principals: %d", report.Summary.UniquePrincipals),
		fmt.Sprintf("  Unique resources: %d", report.Summary.UniqueResources),
		fmt.Sprintf("  Integrity violations: %d", report.Summary.IntegrityViolations),
	)
	for _, kv := range sortedCounts(report.Summary.EventsByStatus) {
		lines = append(lines, fmt.Sprintf("  Status %s: %d", kv.key, kv.count))
	}
	if report.Summary.TimeRange.Earliest != "" {
		lines = append(lines, fmt.Sprintf("  Time range: %s .. %s",
			report.Summary.TimeRange.Earliest, report.Summary.TimeRange.Latest))
	}
	lines = append(lines, "", "Events")

	shown := report.Events
	if len(shown) > maxEvents {
		shown = shown[:maxEvents]
	}
	for _, e := range shown {
		lines = append(lines, fmt.Sprintf("  %s  %s  %s  %s  %s",
			e.Timestamp, e.Action, e.Status, e.PrincipalID, e.TargetResourceID))
	}
	if len(report.Events) > maxEvents {
		lines = append(lines, fmt.Sprintf("  ... %d more events omitted", len(report.Events)-maxEvents))
	}
	return lines
}

type keyCount struct {
	key   string
	count int
}

func sortedCounts(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{key: k, count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// renderPDF emits a minimal but valid PDF: catalog, page tree, one
// Helvetica font, and one content stream per page of text lines.
func renderPDF(lines []string) ([]byte, error) {
	pages := paginate(lines, pdfLinesPerPage)
	if len(pages) == 0 {
		pages = [][]string{{""}}
	}

	// Object numbering: 1 catalog, 2 pages, 3 font, then for page i:
	// page object 4+2i, content object 5+2i.
	pageCount := len(pages)
	objectCount := 3 + pageCount*2

	var body bytes.Buffer
	offsets := make([]int, objectCount+1)
	body.WriteString("%PDF-1.4\n")

	writeObj := func(num int, content string) {
		offsets[num] = body.Len()
		fmt.Fprintf(&body, "%d 0 obj\n%s\nendobj\n", num, content)
	}

	kids := make([]string, pageCount)
	for i := 0; i < pageCount; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>",
		strings.Join(kids, " "), pageCount))
	writeObj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i, pageLines := range pages {
		pageObj := 4 + 2*i
		contentObj := 5 + 2*i

		var stream bytes.Buffer
		fmt.Fprintf(&stream, "BT\n/F1 10 Tf\n%d TL\n%d %d Td\n", pdfLineHeight, pdfMarginLeft, pdfTopY)
		for _, line := range pageLines {
			fmt.Fprintf(&stream, "(%s) Tj\nT*\n", escapePDFText(line))
		}
		stream.WriteString("ET")

		writeObj(pageObj, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			pdfPageWidth, pdfPageHeight, contentObj))
		writeObj(contentObj, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream",
			stream.Len(), stream.String()))
	}

	xrefOffset := body.Len()
	fmt.Fprintf(&body, "xref\n0 %d\n", objectCount+1)
	body.WriteString("0000000000 65535 f \n")
	for num := 1; num <= objectCount; num++ {
		fmt.Fprintf(&body, "%010d 00000 n \n", offsets[num])
	}
	fmt.Fprintf(&body, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		objectCount+1, xrefOffset)

	return body.Bytes(), nil
}

// paginate splits lines into fixed-size pages.
func paginate(lines []string, perPage int) [][]string {
	pages := make([][]string, 0, len(lines)/perPage+1)
	for start := 0; start < len(lines); start += perPage {
		end := start + perPage
		if end > len(lines) {
			end = len(lines)
		}
		pages = append(pages, lines[start:end])
	}
	return pages
}

// escapePDFText escapes the characters significant inside a PDF string.
func escapePDFText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "(", `\(`)
	s = strings.ReplaceAll(s, ")", `\)`)
	return s
}
