package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// PDFExporter renders datasets into a basic tabular PDF.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with an optional title and table body.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, strings.ToUpper(title), "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	pdf.SetFont("Arial", "B", 10)
	colWidth := 190.0 / float64(len(data.Headers))
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range data.Rows {
		for _, header := range data.Headers {
			value := row[header]
			pdf.CellFormat(colWidth, 7, value, "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// Receipt captures the fields printed on a payment receipt.
type Receipt struct {
	StudentName    string
	StudentEmail   string
	Subject        string
	ClassName      string
	EntranceNumber string
	AmountPaid     string
	PaymentDate    string
	ReceiptNumber  string
}

// RenderReceipt produces a single-page payment receipt PDF.
func (e *PDFExporter) RenderReceipt(r Receipt) ([]byte, error) {
	if r.EntranceNumber == "" {
		return nil, fmt.Errorf("receipt requires an entrance number")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, "NEXT STEP LEARNING", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(0, 8, "Enrollment Payment Receipt", "", 1, "C", false, 0, "")
	pdf.Ln(8)

	lines := [][2]string{
		{"Receipt No.", r.ReceiptNumber},
		{"Student", r.StudentName},
		{"Email", r.StudentEmail},
		{"Subject", r.Subject},
		{"Class", r.ClassName},
		{"Amount Paid", r.AmountPaid},
		{"Payment Date", r.PaymentDate},
	}
	pdf.SetFont("Arial", "", 11)
	for _, line := range lines {
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(50, 9, line[0], "", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		pdf.CellFormat(0, 9, line[1], "", 1, "", false, 0, "")
	}

	pdf.Ln(8)
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 9, "Entrance Number", "", 1, "C", false, 0, "")
	pdf.SetFont("Courier", "B", 20)
	pdf.CellFormat(0, 14, r.EntranceNumber, "1", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 8, "Keep this number: it grants access to your class materials.", "", 1, "C", false, 0, "")

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render receipt pdf: %w", err)
	}
	return buf.Bytes(), nil
}
