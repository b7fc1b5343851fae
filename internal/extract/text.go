package extract

import "strings"

// TextExtractor reads plain text files, replacing invalid UTF-8 sequences.
type TextExtractor struct{}

// Extract returns data as text.
func (TextExtractor) Extract(data []byte) (*Document, error) {
	return &Document{Text: strings.ToValidUTF8(string(data), "�")}, nil
}
