package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFLoader extracts the plain text layer of a PDF.
type PDFLoader struct{}

func (*PDFLoader) Formats() []string { return []string{"pdf"} }

func (*PDFLoader) Load(_ context.Context, path string) (*Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, err
	}
	return &Document{
		Text:     buf.String(),
		Metadata: map[string]string{"pages": fmt.Sprintf("%d", r.NumPage())},
	}, nil
}
