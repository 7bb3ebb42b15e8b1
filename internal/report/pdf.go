package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/bblog/internal/rules"
)

const qrSizeMM = 32.0

// SaveAcceptancePDF renders the given acceptance report into a PDF document.
func SaveAcceptancePDF(rep rules.AcceptanceReport, out string) error {
	return SavePDF(Document{Acceptance: rep}, LangEnglish, out)
}

// SavePDF renders doc in lang. When the input hash is known it is printed
// and embedded as a QR code next to the title.
func SavePDF(doc Document, lang Language, out string) error {
	tr := NewTranslator(lang)
	pdf := gofpdf.New("P", "mm", "A4", "")
	enc := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr.T("title"), true)
	pdf.SetAuthor("bblctl", false)
	pdf.SetCreator("bblctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	w := &pdfWriter{pdf: pdf, tr: tr, enc: enc}
	w.title(doc)
	w.summary(doc.Acceptance)
	w.flights(doc.Flights)
	w.gateMatrix(doc.Acceptance.GateMatrix)
	w.findings(doc.Acceptance.Findings)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

type pdfWriter struct {
	pdf *gofpdf.Fpdf
	tr  Translator
	enc func(string) string
}

func (w *pdfWriter) heading(key string) {
	w.pdf.SetFont("Helvetica", "B", 12)
	w.pdf.Cell(0, 8, w.enc(w.tr.T(key)))
	w.pdf.Ln(9)
}

func (w *pdfWriter) title(doc Document) {
	pdf := w.pdf
	top := pdf.GetY()
	if doc.InputSha256 != "" {
		if png, err := HashToQR(doc.InputSha256, 256); err == nil {
			opts := gofpdf.ImageOptions{ImageType: "PNG"}
			pdf.RegisterImageOptionsReader("input-sha", opts, bytes.NewReader(png))
			pageW, _ := pdf.GetPageSize()
			_, _, right, _ := pdf.GetMargins()
			pdf.ImageOptions("input-sha", pageW-right-qrSizeMM, top, qrSizeMM, qrSizeMM, false, opts, 0, "")
		}
	}

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, w.enc(w.tr.T("title")))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 9)
	generated := doc.Generated
	if generated.IsZero() {
		generated = time.Now()
	}
	lines := [][2]string{{w.tr.T("generated"), generated.UTC().Format(time.RFC3339)}}
	if doc.Input != "" {
		lines = append(lines, [2]string{w.tr.T("input"), doc.Input})
	}
	if doc.InputSha256 != "" {
		lines = append(lines, [2]string{w.tr.T("sha256"), doc.InputSha256})
	}
	for _, l := range lines {
		pdf.CellFormat(25, 5, w.enc(l[0]), "", 0, "L", false, 0, "")
		pdf.MultiCell(120, 5, w.enc(l[1]), "", "L", false)
	}
	if y := top + qrSizeMM + 2; doc.InputSha256 != "" && pdf.GetY() < y {
		pdf.SetY(y)
	}
	pdf.Ln(4)
}

func (w *pdfWriter) summary(rep rules.AcceptanceReport) {
	w.heading("summary")
	w.pdf.SetFont("Helvetica", "", 11)
	items := [][2]string{
		{"total_findings", strconv.Itoa(rep.Summary.Total)},
		{"errors", strconv.Itoa(rep.Summary.Errors)},
		{"warnings", strconv.Itoa(rep.Summary.Warnings)},
		{"overall", w.passLabel(rep.Summary.Pass)},
	}
	for _, item := range items {
		w.pdf.CellFormat(50, 6, w.enc(w.tr.T(item[0])), "", 0, "L", false, 0, "")
		w.pdf.CellFormat(0, 6, w.enc(item[1]), "", 1, "L", false, 0, "")
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) flights(flights []FlightSummary) {
	w.heading("flights")
	if len(flights) == 0 {
		w.pdf.SetFont("Helvetica", "", 11)
		w.pdf.MultiCell(0, 6, w.enc(w.tr.T("no_flights")), "", "L", false)
		w.pdf.Ln(4)
		return
	}
	headers := []string{"col_flight", "col_craft", "col_duration", "col_frames", "col_corrupt", "col_resyncs", "col_end"}
	widths := []float64{16, 40, 28, 24, 22, 22, 28}
	w.tableHeader(headers, widths)
	for _, f := range flights {
		end := w.tr.T("end_open")
		switch {
		case f.Truncated:
			end = w.tr.T("end_truncated")
		case f.Ended:
			end = w.tr.T("end_clean")
		}
		w.row(widths, []string{
			strconv.Itoa(f.Index),
			f.Craft,
			f.Duration.Round(time.Millisecond).String(),
			strconv.Itoa(f.Frames),
			strconv.Itoa(f.Corrupt),
			strconv.Itoa(f.Resyncs),
			end,
		})
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) gateMatrix(rows []rules.GateResult) {
	w.heading("gate_matrix")
	headers := []string{"col_stage", "col_severity", "col_rule", "col_name", "col_pass", "col_findings"}
	widths := []float64{28, 22, 24, 70, 18, 18}
	w.tableHeader(headers, widths)
	for _, row := range rows {
		w.row(widths, []string{
			w.stageLabel(row.Stage),
			severityLabel(row.Severity),
			row.RuleId,
			emptyFallback(row.Name, "-"),
			w.passLabel(row.Pass),
			strconv.Itoa(row.Findings),
		})
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) findings(findings []rules.Diagnostic) {
	pdf := w.pdf
	w.heading("findings")
	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, w.enc(w.tr.T("no_findings")), "", "L", false)
		return
	}

	for i, d := range findings {
		pdf.SetFont("Helvetica", "B", 10)
		header := fmt.Sprintf("%d. %s (%s)", i+1, d.RuleId, severityLabel(d.Severity))
		pdf.MultiCell(0, 5, w.enc(header), "", "L", false)

		if msg := strings.TrimSpace(d.Message); msg != "" {
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, w.enc(msg), "", "L", false)
		}
		if meta := w.findingMetadata(d); meta != "" {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, w.enc(meta), "", "L", false)
		}
		if len(d.Refs) > 0 {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, w.enc(w.tr.Format("refs", strings.Join(d.Refs, ", "))), "", "L", false)
		}
		pdf.Ln(2)
	}
}

func (w *pdfWriter) tableHeader(keys []string, widths []float64) {
	w.pdf.SetFillColor(240, 240, 240)
	w.pdf.SetFont("Helvetica", "B", 10)
	for i, k := range keys {
		w.pdf.CellFormat(widths[i], 7, w.enc(w.tr.T(k)), "1", 0, "L", true, 0, "")
	}
	w.pdf.Ln(-1)
	w.pdf.SetFont("Helvetica", "", 9)
}

func (w *pdfWriter) row(widths []float64, values []string) {
	pdf := w.pdf
	const lineHeight = 5.0
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(w.enc(text), widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], rowHeight/float64(len(lines)), strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func (w *pdfWriter) passLabel(pass bool) string {
	if pass {
		return w.tr.T("pass")
	}
	return w.tr.T("fail")
}

func (w *pdfWriter) stageLabel(stage rules.RuleStage) string {
	switch stage {
	case rules.StageHeader, rules.StageIntegrity, rules.StageTime, rules.StageContent:
		return w.tr.T("stage_" + string(stage))
	default:
		if s := strings.TrimSpace(string(stage)); s != "" {
			return s
		}
		return "-"
	}
}

func severityLabel(sev rules.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func (w *pdfWriter) findingMetadata(d rules.Diagnostic) string {
	parts := make([]string, 0, 7)
	if !d.Ts.IsZero() {
		parts = append(parts, d.Ts.Format(time.RFC3339))
	}
	if d.File != "" {
		parts = append(parts, d.File)
	}
	if d.Flight != nil {
		parts = append(parts, w.tr.Format("flight_n", *d.Flight))
	}
	if d.FrameIndex != 0 {
		parts = append(parts, w.tr.Format("frame_n", d.FrameIndex))
	}
	if d.Offset != "" {
		parts = append(parts, w.tr.Format("offset", d.Offset))
	}
	if d.TimestampUs != nil {
		parts = append(parts, w.tr.Format("timestamp", *d.TimestampUs))
	}
	if d.FixOutput != "" {
		parts = append(parts, w.tr.Format("fix_output", d.FixOutput))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " | ")
}
