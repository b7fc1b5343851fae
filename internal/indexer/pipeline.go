// Package indexer keeps the vector index in step with a folder of documents.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/bull/insight-engine/internal/chunker"
	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/extract"
	"github.com/bull/insight-engine/internal/storage"
)

const (
	DefaultWorkers    = 4
	DefaultMaxRetries = 3
)

// Embedder turns chunk texts into vectors, one per text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes a Pipeline.
type Config struct {
	Workers    int    // Files processed concurrently
	MaxRetries uint64 // Retries of a transient embedding failure per file

	// EmbeddingModel identifies the vectors' model. A change, like a change
	// of chunk size or overlap, rebuilds the index on the next run.
	EmbeddingModel string
}

// Result contains statistics about an ingestion run.
type Result struct {
	Scanned     int // Supported files found on disk
	Indexed     int // New or changed files written to the index
	Unchanged   int
	Removed     []string
	TotalChunks int // Chunks written during this run
	Failed      []FailedDoc
	Skipped     []FailedDoc // Files with unsupported extensions
	Duration    time.Duration
}

// FailedDoc represents a document that failed to index.
type FailedDoc struct {
	Source string
	Err    error
}

// Reason returns the failure message.
func (f FailedDoc) Reason() string {
	return f.Err.Error()
}

// Pipeline orchestrates scanning, extraction, chunking, embedding and storage.
type Pipeline struct {
	registry   *extract.Registry
	chunker    *chunker.Chunker
	embedder   Embedder
	index      storage.VectorIndex
	workers    int
	maxRetries uint64
	model      string
	logger     *slog.Logger

	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(
	registry *extract.Registry,
	chunk *chunker.Chunker,
	embedder Embedder,
	index storage.VectorIndex,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Pipeline{
		registry:   registry,
		chunker:    chunk,
		embedder:   embedder,
		index:      index,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		model:      cfg.EmbeddingModel,
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		now: time.Now,
	}
}

// file is one supported document found on disk.
type file struct {
	source  string // Relative, slash separated
	path    string
	modTime time.Time
}

type outcome int

const (
	outcomeIndexed outcome = iota
	outcomeUnchanged
)

// Run brings the index in line with dir. Per-file failures are collected in
// the result; Run itself fails only when ctx is cancelled or the index is
// corrupt.
func (p *Pipeline) Run(ctx context.Context, dir string) (*Result, error) {
	start := p.now()
	result := &Result{}

	sc, err := p.scan(dir)
	if err != nil {
		return nil, err
	}
	files := sc.files
	result.Scanned = len(files)
	result.Skipped = sc.skipped
	result.Failed = sc.failed
	for _, s := range sc.skipped {
		p.logger.Warn("Skipping file", "source", s.Source, "error", s.Err)
	}
	for _, f := range sc.failed {
		p.logger.Warn("Failed to scan", "source", f.Source, "error", f.Err)
	}
	p.logger.Info("Starting ingestion", "dir", dir, "files", len(files))

	if err := p.syncParams(ctx); err != nil {
		return nil, err
	}

	records, err := p.index.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	known := make(map[string]storage.SourceRecord, len(records))
	for _, rec := range records {
		known[rec.Source] = rec
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, f := range files {
		prev, seen := known[f.source]
		var prevRec *storage.SourceRecord
		if seen {
			prevRec = &prev
		}

		g.Go(func() error {
			out, chunks, err := p.processFile(gctx, f, prevRec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out == outcomeUnchanged:
				result.Unchanged++
			case err == nil:
				result.Indexed++
				result.TotalChunks += chunks
			case isFatal(gctx, err):
				return err
			default:
				p.logger.Warn("Failed to process document", "source", f.source, "error", err)
				result.Failed = append(result.Failed, FailedDoc{Source: f.source, Err: err})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.source] = true
	}
	for _, rec := range records {
		if onDisk[rec.Source] || sc.unreadable(rec.Source) {
			continue
		}
		if err := p.index.DeleteSource(ctx, rec.Source); err != nil {
			return nil, fmt.Errorf("remove %s: %w", rec.Source, err)
		}
		p.logger.Info("Removed document", "source", rec.Source)
		result.Removed = append(result.Removed, rec.Source)
	}

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Source < result.Failed[j].Source })

	result.Duration = p.now().Sub(start)
	p.logger.Info("Ingestion complete",
		"indexed", result.Indexed,
		"unchanged", result.Unchanged,
		"removed", len(result.Removed),
		"failed", len(result.Failed),
		"chunks", result.TotalChunks,
		"duration", result.Duration,
	)

	return result, nil
}

// isFatal reports whether err must abort the whole run.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, storage.ErrIndexCorrupt)
}

// Params describes the settings entries are built with: chunk size,
// overlap and embedding model.
func (p *Pipeline) Params() string {
	return fmt.Sprintf("chunk_size=%d chunk_overlap=%d embedding_model=%s",
		p.chunker.Size(), p.chunker.Overlap(), p.model)
}

// syncParams empties the index when it was built with other settings, so
// every file is chunked and embedded again.
func (p *Pipeline) syncParams(ctx context.Context) error {
	want := p.Params()
	stored, err := p.index.Params(ctx)
	if err != nil {
		return fmt.Errorf("read index params: %w", err)
	}
	if stored == want {
		return nil
	}

	stats, err := p.index.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read index stats: %w", err)
	}
	if stored != "" || stats.Sources > 0 || stats.Entries > 0 {
		p.logger.Warn("Index settings changed, rebuilding", "old", stored, "new", want)
		if err := p.index.Reset(ctx); err != nil {
			return fmt.Errorf("reset index: %w", err)
		}
	}

	if err := p.index.SetParams(ctx, want); err != nil {
		return fmt.Errorf("store index params: %w", err)
	}
	return nil
}

// scanResult is the outcome of walking the data folder.
type scanResult struct {
	files   []file
	skipped []FailedDoc // Unsupported extensions
	failed  []FailedDoc // Paths that could not be read during the walk
	broken  []string    // Sources of failed, slash separated
}

// unreadable reports whether source is, or lies under, a path the walk
// could not read. Such sources keep their entries.
func (r *scanResult) unreadable(source string) bool {
	for _, b := range r.broken {
		if source == b || strings.HasPrefix(source, b+"/") {
			return true
		}
	}
	return false
}

// scan walks dir and splits files into supported and unsupported ones.
// Hidden files and directories are ignored. Only an unreadable dir itself
// fails the scan.
func (p *Pipeline) scan(dir string) (*scanResult, error) {
	sc := &scanResult{}
	if err := filepath.WalkDir(dir, p.visit(dir, sc)); err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return sc, nil
}

// visit returns the WalkDir callback filling sc.
func (p *Pipeline) visit(dir string, sc *scanResult) fs.WalkDirFunc {
	return func(path string, d fs.DirEntry, err error) error {
		if path == dir && err != nil {
			return err
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		source := filepath.ToSlash(rel)

		fail := func(err error) error {
			sc.failed = append(sc.failed, FailedDoc{Source: source, Err: err})
			sc.broken = append(sc.broken, source)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if err != nil {
			return fail(err)
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if !p.registry.Supports(path) {
			sc.skipped = append(sc.skipped, FailedDoc{
				Source: source,
				Err:    fmt.Errorf("%w: %s", extract.ErrUnsupportedFileType, filepath.Ext(path)),
			})
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fail(err)
		}
		sc.files = append(sc.files, file{source: source, path: path, modTime: info.ModTime()})
		return nil
	}
}

// processFile handles the full pipeline for a single document.
// Returns the number of chunks written.
func (p *Pipeline) processFile(ctx context.Context, f file, prev *storage.SourceRecord) (outcome, int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, 0, fmt.Errorf("read: %w", err)
	}

	fingerprint := Fingerprint(data)
	if prev != nil && prev.Fingerprint == fingerprint {
		if err := p.index.MarkSeen(ctx, f.source, p.now()); err != nil {
			return 0, 0, fmt.Errorf("mark seen: %w", err)
		}
		p.logger.Debug("Unchanged document", "source", f.source)
		return outcomeUnchanged, 0, nil
	}

	doc, err := p.registry.Extract(f.path, data)
	if err != nil {
		return 0, 0, err
	}

	chunks := p.chunker.Split(doc.Text)
	p.logger.Debug("Chunked document", "source", f.source, "chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = p.embedWithRetry(ctx, f.source, texts)
		if err != nil {
			return 0, 0, err
		}
		if len(vectors) != len(chunks) {
			return 0, 0, fmt.Errorf("%w: got %d vectors for %d chunks",
				embedding.ErrEmbeddingUnavailable, len(vectors), len(chunks))
		}
	}

	entries := make([]storage.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = storage.NewEntry(f.source, c.Index, c.Text, vectors[i])
	}

	now := p.now()
	rec := storage.SourceRecord{
		Source:      f.source,
		Fingerprint: fingerprint,
		Title:       doc.Title,
		ModifiedAt:  f.modTime,
		LastSeenAt:  now,
	}
	if err := p.index.ReplaceSource(ctx, rec, entries); err != nil {
		return 0, 0, fmt.Errorf("store: %w", err)
	}

	p.logger.Info("Indexed document", "source", f.source, "chunks", len(chunks))
	return outcomeIndexed, len(chunks), nil
}

// embedWithRetry retries transient embedding failures with exponential backoff.
func (p *Pipeline) embedWithRetry(ctx context.Context, source string, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		v, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if !embedding.IsRetryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		vectors = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Embedding failed, retrying", "source", source, "error", err, "wait", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
