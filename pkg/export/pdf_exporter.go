package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// Dataset is a simple table: ordered headers and rows keyed by header.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// Field is a label/value line rendered above a document's sections.
type Field struct {
	Label string
	Value string
}

// Section is a titled block of paragraphs followed by an optional table.
type Section struct {
	Heading    string
	Paragraphs []string
	Table      *Dataset
}

// Document is a printable report made of header fields and sections.
type Document struct {
	Title    string
	Fields   []Field
	Sections []Section
}

// PDFExporter renders documents and datasets to PDF.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with an optional title and table body.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	return e.RenderDocument(Document{Title: title, Sections: []Section{{Table: &data}}})
}

// RenderDocument lays out the document on A4 pages.
func (e *PDFExporter) RenderDocument(doc Document) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if doc.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(strings.ToUpper(doc.Title)), "", 1, "C", false, 0, "")
		pdf.Ln(3)
	}

	for _, field := range doc.Fields {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(40, 6, tr(field.Label), "", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 6, tr(field.Value), "", "", false)
	}

	for _, section := range doc.Sections {
		if section.Heading != "" {
			pdf.Ln(4)
			pdf.SetFont("Arial", "B", 12)
			pdf.CellFormat(0, 8, tr(section.Heading), "B", 1, "", false, 0, "")
			pdf.Ln(1)
		}
		pdf.SetFont("Arial", "", 10)
		for _, paragraph := range section.Paragraphs {
			pdf.MultiCell(0, 5, tr(paragraph), "", "", false)
			pdf.Ln(2)
		}
		if section.Table != nil {
			if err := renderTable(pdf, tr, *section.Table); err != nil {
				return nil, err
			}
		}
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func renderTable(pdf *gofpdf.Fpdf, tr func(string) string, data Dataset) error {
	if len(data.Headers) == 0 {
		return fmt.Errorf("pdf table requires at least one header")
	}
	pdf.SetFont("Arial", "B", 10)
	colWidth := 190.0 / float64(len(data.Headers))
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, tr(header), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range data.Rows {
		for _, header := range data.Headers {
			pdf.CellFormat(colWidth, 7, tr(row[header]), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}
	return nil
}
