package storage

import (
	"context"
	"sort"
	"strconv"
	"time"
)

// Entry is one chunk stored in the index.
type Entry struct {
	ChunkID    string    // Deterministic: see ChunkID
	Source     string    // Path relative to the data folder: "notes/todo.md"
	ChunkIndex int       // Position in document (0, 1, 2...)
	Text       string    // Chunk text content
	Vector     []float32 // Embedding of Text
}

// NewEntry builds an entry whose id is derived from source and index, so
// re-ingesting the same chunk overwrites instead of duplicating.
func NewEntry(source string, chunkIndex int, text string, vector []float32) Entry {
	return Entry{
		ChunkID:    ChunkID(source, chunkIndex),
		Source:     source,
		ChunkIndex: chunkIndex,
		Text:       text,
		Vector:     vector,
	}
}

// ChunkID returns the stable identifier for chunk chunkIndex of source.
func ChunkID(source string, chunkIndex int) string {
	return source + "#" + strconv.Itoa(chunkIndex)
}

// ScoredEntry is a query match. Distance is nil when the backend's metric
// cannot be expressed as a non-negative distance.
type ScoredEntry struct {
	ChunkID    string
	Source     string
	ChunkIndex int
	Text       string
	Distance   *float64
}

// SourceRecord tracks what was last ingested for a source file.
type SourceRecord struct {
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint"` // Hex SHA-256 of the raw file bytes
	Title       string    `json:"title,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	ModifiedAt  time.Time `json:"modified_at"`  // File modification time at ingestion
	LastSeenAt  time.Time `json:"last_seen_at"` // Last ingestion run that found the file
}

// Stats summarises index contents.
type Stats struct {
	Entries   int
	Sources   int
	Dimension int // 0 until the first entry is written
}

// VectorIndex stores chunk embeddings and answers nearest-neighbour queries.
// Implementations are safe for concurrent use; each call is atomic with
// respect to a single entry.
type VectorIndex interface {
	// Upsert stores e, replacing any entry with the same ChunkID.
	Upsert(ctx context.Context, e Entry) error

	// DeleteBySource removes every entry of source.
	DeleteBySource(ctx context.Context, source string) error

	// Query returns up to topK entries nearest to vector, nearest first.
	Query(ctx context.Context, vector []float32, topK int) ([]ScoredEntry, error)

	// ReplaceSource swaps all entries of rec.Source for entries and records rec.
	ReplaceSource(ctx context.Context, rec SourceRecord, entries []Entry) error

	// DeleteSource removes a source's entries and its record.
	DeleteSource(ctx context.Context, source string) error

	// MarkSeen updates the last-seen time of an unchanged source.
	MarkSeen(ctx context.Context, source string, at time.Time) error

	// Source returns the record for source or ErrSourceNotFound.
	Source(ctx context.Context, source string) (*SourceRecord, error)

	// Sources lists every recorded source ordered by path.
	Sources(ctx context.Context) ([]SourceRecord, error)

	Stats(ctx context.Context) (*Stats, error)

	// Params returns the ingestion parameters last stored with SetParams,
	// or "" when none are recorded.
	Params(ctx context.Context) (string, error)

	// SetParams records the parameters the current entries were built with.
	SetParams(ctx context.Context, params string) error

	// Reset drops all entries, records, the stored dimension and parameters.
	Reset(ctx context.Context) error

	Close() error
}

func sortSources(records []SourceRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Source < records[j].Source })
}
