package storage

import "errors"

var (
	// ErrIndexCorrupt indicates persisted index state cannot be decoded.
	// The index does not repair itself; rebuild it with a full re-ingest.
	ErrIndexCorrupt = errors.New("vector index corrupt")

	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidTopK       = errors.New("top_k must be at least 1")
	ErrSourceNotFound    = errors.New("source not found")
)
