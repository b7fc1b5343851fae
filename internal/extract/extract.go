// Package extract turns raw document bytes into plain text for indexing.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedFileType is returned for extensions no extractor handles.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrExtractionFailure is returned when a supported file cannot be read as text.
	ErrExtractionFailure = errors.New("text extraction failed")
)

// Document is the plain-text form of a source file.
type Document struct {
	Title string // First heading for markdown, empty otherwise
	Text  string
}

// Extractor converts the raw bytes of one file format to text.
type Extractor interface {
	Extract(data []byte) (*Document, error)
}

// Registry maps lower-case file extensions (".md") to extractors.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry creates a registry with the text, markdown and PDF extractors.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	r.Register(".txt", TextExtractor{})
	r.Register(".md", NewMarkdownExtractor())
	r.Register(".pdf", PDFExtractor{})
	return r
}

// Register binds an extractor to an extension, replacing any previous one.
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// Supports reports whether path has a registered extension.
func (r *Registry) Supports(path string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions returns the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract dispatches to the extractor registered for path's extension.
// Every failure is wrapped in ErrUnsupportedFileType or ErrExtractionFailure.
func (r *Registry) Extract(path string, data []byte) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}

	doc, err := e.Extract(data)
	if err != nil {
		if errors.Is(err, ErrExtractionFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailure, err)
	}
	return doc, nil
}
