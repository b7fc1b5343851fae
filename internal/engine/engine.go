// Package engine wires the retrieval core together and exposes the two
// query entry points, Search and Answer, plus ingestion and index status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bull/insight-engine/internal/answer"
	"github.com/bull/insight-engine/internal/chunker"
	"github.com/bull/insight-engine/internal/config"
	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/extract"
	"github.com/bull/insight-engine/internal/generation"
	"github.com/bull/insight-engine/internal/indexer"
	"github.com/bull/insight-engine/internal/retriever"
	"github.com/bull/insight-engine/internal/storage"
)

// ErrLLMDisabled is returned by Answer when no generation model is configured.
var ErrLLMDisabled = errors.New("answer generation is disabled")

// Embedder serves both query and batch embedding.
type Embedder interface {
	retriever.Embedder
	indexer.Embedder
}

// Components are the collaborators of an Engine. Generator may be nil, which
// disables Answer.
type Components struct {
	Index     storage.VectorIndex
	Embedder  Embedder
	Generator answer.Generator
	Chunker   *chunker.Chunker
	Registry  *extract.Registry
}

// Options tunes an Engine.
type Options struct {
	Ingest indexer.Config
	Answer answer.Config
}

// Engine is the facade used by the CLI and the MCP server.
type Engine struct {
	index     storage.VectorIndex
	retriever *retriever.Retriever
	composer  *answer.Composer
	pipeline  *indexer.Pipeline
	logger    *slog.Logger

	ingestMu sync.Mutex
}

// New assembles an Engine from ready components.
func New(c Components, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = extract.NewRegistry()
	}

	e := &Engine{
		index:     c.Index,
		retriever: retriever.New(c.Embedder, c.Index),
		pipeline:  indexer.NewPipeline(c.Registry, c.Chunker, c.Embedder, c.Index, opts.Ingest, logger),
		logger:    logger,
	}
	if c.Generator != nil {
		e.composer = answer.New(e.retriever, c.Generator, opts.Answer, logger)
	}
	return e
}

// Open builds an Engine from configuration, connecting to the configured
// embedding endpoint, index backend and, when enabled, generation model.
func Open(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	chunk, err := chunker.New(cfg.Chunk.Size, cfg.Chunk.Overlap)
	if err != nil {
		return nil, err
	}

	// Status and reset work without embedding credentials; search and
	// ingest report the missing client when they need it.
	var embedder Embedder
	embedClient, err := embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey)
	if err != nil {
		logger.Warn("Embedding client unavailable", "error", err)
		embedder = unavailableEmbedder{err: err}
	} else {
		embedder = embedding.NewEmbedder(embedClient, embedding.Config{
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			BatchSize:  cfg.Embedding.BatchSize,
			Timeout:    cfg.Embedding.Timeout,
		})
	}

	var generator answer.Generator
	if cfg.Generation.Enabled {
		genClient, err := embedding.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey)
		if err != nil {
			return nil, fmt.Errorf("generation client: %w", err)
		}
		generator = generation.NewGenerator(genClient.Client(), generation.Config{
			Model:       cfg.Generation.Model,
			MaxTokens:   cfg.Generation.MaxTokens,
			Temperature: cfg.Generation.Temperature,
			Timeout:     cfg.Generation.Timeout,
		})
	}

	policy, err := answer.ParsePolicy(cfg.Generation.Truncation)
	if err != nil {
		return nil, err
	}

	index, err := openIndex(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened index", "backend", cfg.Index.Backend)

	return New(Components{
		Index:     index,
		Embedder:  embedder,
		Generator: generator,
		Chunker:   chunk,
	}, Options{
		Ingest: indexer.Config{
			Workers:        cfg.Ingest.Workers,
			MaxRetries:     cfg.Ingest.Retries(),
			EmbeddingModel: embeddingModel(cfg.Embedding),
		},
		Answer: answer.Config{MaxPromptChars: cfg.Generation.MaxPromptChars, Policy: policy},
	}, logger), nil
}

func openIndex(cfg *config.Config) (storage.VectorIndex, error) {
	switch cfg.Index.Backend {
	case config.BackendQdrant:
		q := cfg.Index.Qdrant
		return storage.NewQdrantIndex(storage.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			Collection: q.Collection,
			Dimension:  cfg.Embedding.Dimensions,
			Distance:   q.Distance,
		})
	default:
		return storage.NewSQLiteIndex(cfg.Index.Path)
	}
}

// LLMEnabled reports whether Answer can generate text.
func (e *Engine) LLMEnabled() bool {
	return e.composer != nil
}

// Search returns up to n ranked hits for query.
func (e *Engine) Search(ctx context.Context, query string, n int) ([]retriever.Hit, error) {
	return e.retriever.Search(ctx, query, n)
}

// Answer generates an answer to query from up to n context chunks.
func (e *Engine) Answer(ctx context.Context, query string, n int) (*answer.Answer, error) {
	if e.composer == nil {
		return nil, ErrLLMDisabled
	}
	return e.composer.Answer(ctx, query, n)
}

// Ingest brings the index in line with dir. Concurrent calls run one at a time.
func (e *Engine) Ingest(ctx context.Context, dir string) (*indexer.Result, error) {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return e.pipeline.Run(ctx, dir)
}

// Reset empties the index.
func (e *Engine) Reset(ctx context.Context) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return e.index.Reset(ctx)
}

// embeddingModel names the model and, when requested, its output size.
func embeddingModel(c config.EmbeddingConfig) string {
	if c.Dimensions > 0 {
		return fmt.Sprintf("%s/%d", c.Model, c.Dimensions)
	}
	return c.Model
}

// unavailableEmbedder stands in when no embedding client could be built.
type unavailableEmbedder struct {
	err error
}

func (u unavailableEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: %w", embedding.ErrEmbeddingUnavailable, u.err)
}

func (u unavailableEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: %w", embedding.ErrEmbeddingUnavailable, u.err)
}

// Status describes the contents of the index.
type Status struct {
	Entries   int                    `json:"entries"`
	Dimension int                    `json:"dimension"`
	Sources   []storage.SourceRecord `json:"sources"`
	LLM       bool                   `json:"llm_enabled"`
}

// Status reports index statistics and the indexed sources.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := e.index.Sources(ctx)
	if err != nil {
		return nil, err
	}
	if sources == nil {
		sources = []storage.SourceRecord{}
	}
	return &Status{
		Entries:   stats.Entries,
		Dimension: stats.Dimension,
		Sources:   sources,
		LLM:       e.LLMEnabled(),
	}, nil
}

// Close releases the index.
func (e *Engine) Close() error {
	return e.index.Close()
}
