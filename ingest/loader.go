// Package ingest loads document files into plain text and splits that text
// into passage-sized pieces ready for embedding.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Document is the loaded form of one input file.
type Document struct {
	Title    string
	Text     string
	Format   string
	Metadata map[string]string
}

// Loader reads one document format into plain text.
type Loader interface {
	Load(ctx context.Context, path string) (*Document, error)
	Formats() []string
}

// Registry dispatches files to loaders by extension.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry returns a registry with the built-in loaders registered.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	for _, l := range []Loader{&TextLoader{}, &PDFLoader{}, &XLSXLoader{}} {
		for _, f := range l.Formats() {
			r.loaders[f] = l
		}
	}
	return r
}

// Register adds or replaces the loader for a format.
func (r *Registry) Register(format string, l Loader) {
	r.loaders[strings.ToLower(format)] = l
}

// Load reads the file with the loader registered for its extension.
func (r *Registry) Load(ctx context.Context, path string) (*Document, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	l, ok := r.loaders[format]
	if !ok {
		return nil, fmt.Errorf("ingest: no loader for format %q", format)
	}
	doc, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc.Title == "" {
		doc.Title = filepath.Base(path)
	}
	doc.Format = format
	return doc, nil
}
