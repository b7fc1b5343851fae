// Package embedding maps text to vectors through an OpenAI-compatible
// embeddings endpoint.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-3-small"

	// DefaultBatchSize keeps requests well under provider input limits.
	DefaultBatchSize = 64

	// DefaultTimeout bounds a single embeddings request.
	DefaultTimeout = 30 * time.Second
)

// ErrEmbeddingUnavailable is returned when the embedding model cannot produce
// a vector: unreachable server, API error, timeout or malformed response.
var ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

// Config tunes an Embedder.
type Config struct {
	Model      string
	Dimensions int // Expected vector length; 0 accepts whatever the model returns
	BatchSize  int
	Timeout    time.Duration
}

// Embedder generates embeddings for text. It never retries; callers decide
// whether an ErrEmbeddingUnavailable is worth another attempt.
type Embedder struct {
	client     *Client
	model      string
	dimensions int
	batchSize  int
	timeout    time.Duration
}

// NewEmbedder creates a new Embedder with the given client. Zero config
// fields fall back to the package defaults.
func NewEmbedder(client *Client, cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Embedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
	}
}

// Model returns the configured embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per text, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}

	return all, nil
}

// embedBatch issues one request under the per-call timeout.
func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			ErrEmbeddingUnavailable, len(resp.Data), len(texts))
	}

	// Data carries its own index; do not rely on response order.
	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			return nil, fmt.Errorf("%w: unexpected embedding index %d", ErrEmbeddingUnavailable, idx)
		}
		if len(data.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrEmbeddingUnavailable, idx)
		}
		if e.dimensions > 0 && len(data.Embedding) != e.dimensions {
			return nil, fmt.Errorf("%w: embedding has %d dimensions, expected %d",
				ErrEmbeddingUnavailable, len(data.Embedding), e.dimensions)
		}
		embeddings[idx] = toFloat32(data.Embedding)
	}

	return embeddings, nil
}

// IsRetryable reports whether err is transient: rate limiting, a server-side
// failure, or a timeout. Callers use it to decide on backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
