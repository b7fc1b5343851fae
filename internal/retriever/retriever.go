// Package retriever answers similarity queries against the vector index.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bull/insight-engine/internal/storage"
)

// ErrInvalidLimit is returned when fewer than one result is requested.
var ErrInvalidLimit = errors.New("result limit must be at least 1")

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is one ranked chunk returned by Search.
type Hit struct {
	Source     string   `json:"source"`
	ChunkIndex int      `json:"chunk_index"`
	Text       string   `json:"text"`
	Distance   *float64 `json:"distance,omitempty"` // Nil when the index reports no distance
}

// Retriever embeds queries and looks them up in the index.
type Retriever struct {
	embedder Embedder
	index    storage.VectorIndex
}

// New creates a Retriever.
func New(embedder Embedder, index storage.VectorIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Search returns up to n hits for query, nearest first. A blank query
// matches nothing. Embedding failures are returned unchanged so callers can
// tell an outage from an empty result.
func (r *Retriever) Search(ctx context.Context, query string, n int) ([]Hit, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, n)
	}
	if strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	entries, err := r.index.Query(ctx, vector, n)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	hits := make([]Hit, len(entries))
	for i, e := range entries {
		hits[i] = Hit{
			Source:     e.Source,
			ChunkIndex: e.ChunkIndex,
			Text:       e.Text,
			Distance:   e.Distance,
		}
	}
	return hits, nil
}
