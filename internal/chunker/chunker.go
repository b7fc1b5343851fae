// Package chunker splits document text into overlapping fixed-size spans.
package chunker

import (
	"errors"
	"fmt"
	"iter"
)

const (
	// DefaultChunkSize is the default span length in characters.
	DefaultChunkSize = 1000

	// DefaultOverlap is the default number of characters shared by neighbouring spans.
	DefaultOverlap = 200
)

// ErrInvalidParams is returned when size and overlap violate 0 <= overlap < size.
var ErrInvalidParams = errors.New("invalid chunk parameters")

// Chunk is a contiguous span of a document.
type Chunk struct {
	Index int    // Position in document (0, 1, 2...)
	Text  string // Span content
}

// Chunker produces character windows of a fixed size.
// Sizes are counted in runes so multi-byte text is never split mid-character.
type Chunker struct {
	size    int
	overlap int
}

// Validate checks that size and overlap describe a usable window.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidParams, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidParams, size, overlap)
	}
	return nil
}

// New creates a Chunker with the given window size and overlap.
func New(size, overlap int) (*Chunker, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured window size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunks returns the spans of text as (index, text) pairs.
// The sequence is lazy and can be ranged over any number of times; every
// pass yields the same spans. The last span may be shorter than the window.
func (c *Chunker) Chunks(text string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		runes := []rune(text)
		if len(runes) == 0 {
			return
		}

		step := c.size - c.overlap
		for index, start := 0, 0; start < len(runes); index, start = index+1, start+step {
			end := min(start+c.size, len(runes))
			if !yield(index, string(runes[start:end])) {
				return
			}
			// The window already reached the end; further steps would only
			// repeat the overlap.
			if end == len(runes) {
				return
			}
		}
	}
}

// Split collects every span of text.
func (c *Chunker) Split(text string) []Chunk {
	var chunks []Chunk
	for index, span := range c.Chunks(text) {
		chunks = append(chunks, Chunk{Index: index, Text: span})
	}
	return chunks
}
