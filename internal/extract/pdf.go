package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor pulls the text layer out of PDF files.
type PDFExtractor struct{}

// Extract returns the plain text of every page. The pdf reader panics on some
// malformed inputs, so panics are reported as extraction failures.
func (PDFExtractor) Extract(data []byte) (doc *Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: malformed pdf: %v", ErrExtractionFailure, r)
		}
	}()

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", ErrExtractionFailure, err)
	}

	b, err := rdr.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf text: %v", ErrExtractionFailure, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, b); err != nil {
		return nil, fmt.Errorf("%w: read pdf buffer: %v", ErrExtractionFailure, err)
	}

	content := strings.TrimSpace(buf.String())
	if content == "" {
		return nil, fmt.Errorf("%w: no text extracted from pdf", ErrExtractionFailure)
	}

	return &Document{Text: content}, nil
}
