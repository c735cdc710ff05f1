package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Qualification describes the programme a statement is issued against.
type Qualification struct {
	Title    string
	SAQAID   string
	NQFLevel int
	Credits  int
}

// Component is one assessed result row.
type Component struct {
	Topic      string
	RawScore   float64
	MaxScore   float64
	Percentage float64
}

// Statement is the data printed on a Statement of Results.
type Statement struct {
	Reference          string
	LearnerID          string
	LearnerName        string
	LearnerEmail       string
	IssuedAt           time.Time
	Qualification      Qualification
	ProviderName       string
	Accreditation      string
	Components         []Component
	Overall            *float64
	CompetentThreshold float64
}

// StatementRenderer lays out statements as A4 PDFs.
type StatementRenderer struct{}

// NewStatementRenderer constructs a renderer.
func NewStatementRenderer() *StatementRenderer {
	return &StatementRenderer{}
}

const (
	pageWidth  = 190.0
	labelWidth = 60.0
)

// Render produces the PDF bytes for st.
func (r *StatementRenderer) Render(st Statement) ([]byte, error) {
	if strings.TrimSpace(st.LearnerName) == "" {
		return nil, fmt.Errorf("statement requires a learner name")
	}
	if st.CompetentThreshold <= 0 {
		st.CompetentThreshold = 70
	}
	if st.IssuedAt.IsZero() {
		st.IssuedAt = time.Now().UTC()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("Statement of Results", true)
	pdf.SetAuthor(st.ProviderName, true)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(pageWidth/2, 5, tr(fmt.Sprintf("Final Statement of Results - SAQA Qualification %s", st.Qualification.SAQAID)), "", 0, "L", false, 0, "")
		pdf.CellFormat(pageWidth/2, 5, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "STATEMENT OF RESULTS", "", 1, "C", false, 0, "")
	if st.ProviderName != "" {
		pdf.SetFont("Arial", "", 11)
		pdf.CellFormat(0, 6, tr(st.ProviderName), "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	section(pdf, "Qualification")
	keyValue(pdf, tr, "Qualification", st.Qualification.Title)
	keyValue(pdf, tr, "SAQA ID", st.Qualification.SAQAID)
	keyValue(pdf, tr, "NQF Level", fmt.Sprintf("%d", st.Qualification.NQFLevel))
	keyValue(pdf, tr, "Credits", fmt.Sprintf("%d", st.Qualification.Credits))
	if st.Accreditation != "" {
		keyValue(pdf, tr, "Provider accreditation", st.Accreditation)
	}
	pdf.Ln(4)

	section(pdf, "Learner Details")
	keyValue(pdf, tr, "Learner name", st.LearnerName)
	keyValue(pdf, tr, "Learner ID", st.LearnerID)
	if st.LearnerEmail != "" {
		keyValue(pdf, tr, "Email", st.LearnerEmail)
	}
	keyValue(pdf, tr, "Date issued", st.IssuedAt.Format("2006-01-02"))
	if st.Reference != "" {
		keyValue(pdf, tr, "Reference", st.Reference)
	}
	pdf.Ln(4)

	section(pdf, "Results per component")
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 6, fmt.Sprintf("Achievement: Percentage (%s%% <= Competent)", formatNumber(st.CompetentThreshold)), "", 1, "L", false, 0, "")
	r.resultsTable(pdf, tr, st)
	pdf.Ln(3)

	pdf.SetFont("Arial", "B", 10)
	if st.Overall != nil {
		pdf.CellFormat(0, 7, fmt.Sprintf("Overall Module Result: %.1f%% - %s", *st.Overall, achievement(*st.Overall, st.CompetentThreshold)), "", 1, "L", false, 0, "")
	} else {
		pdf.CellFormat(0, 7, "No assessment results found for this learner.", "", 1, "L", false, 0, "")
	}
	pdf.Ln(8)

	section(pdf, "Provider declaration and signature (delegated official)")
	pdf.SetFont("Arial", "", 9)
	pdf.MultiCell(0, 5, "I certify that the information recorded above is a true reflection of the learner's internal assessment achievements for this qualification, and that supporting evidence is available for audit.", "", "L", false)
	pdf.Ln(3)
	keyValue(pdf, tr, "Name of delegated official", "__________________________________")
	keyValue(pdf, tr, "Signature", "__________________________________")
	keyValue(pdf, tr, "Date", "________________")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *StatementRenderer) resultsTable(pdf *gofpdf.Fpdf, tr func(string) string, st Statement) {
	headers := []string{"Component", "Score", "Max", "Percentage", "Achievement"}
	widths := []float64{80, 22, 22, 28, 38}

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, c := range st.Components {
		topic := tr(c.Topic)
		if pdf.GetStringWidth(topic) > widths[0]-2 {
			for len(topic) > 3 && pdf.GetStringWidth(topic+"...") > widths[0]-2 {
				topic = topic[:len(topic)-1]
			}
			topic += "..."
		}
		pdf.CellFormat(widths[0], 7, topic, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, formatNumber(c.RawScore), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 7, formatNumber(c.MaxScore), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[3], 7, fmt.Sprintf("%.2f", c.Percentage), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[4], 7, achievement(c.Percentage, st.CompetentThreshold), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}
}

func section(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, title, "B", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func keyValue(pdf *gofpdf.Fpdf, tr func(string) string, label, value string) {
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(labelWidth, 6, tr(label), "1", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(pageWidth-labelWidth, 6, tr(value), "1", 1, "L", false, 0, "")
}

func achievement(percentage, threshold float64) string {
	if percentage >= threshold {
		return "Competent"
	}
	return "Not Yet Competent"
}

func formatNumber(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
