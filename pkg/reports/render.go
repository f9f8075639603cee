package reports

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/report.html.tmpl"))

// RenderHTML renders data as a standalone HTML document
func RenderHTML(data *ReportData) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

// PDFRenderer turns an HTML document into a PDF
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
	Close() error
}
