package ingest

import (
	"context"
	"os"
)

// TextLoader reads plain-text and markdown files verbatim.
type TextLoader struct{}

func (*TextLoader) Formats() []string { return []string{"txt", "md", "text"} }

func (*TextLoader) Load(_ context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Document{Text: string(data)}, nil
}
