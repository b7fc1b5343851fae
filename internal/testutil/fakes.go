// Package testutil provides deterministic stand-ins for the model clients.
package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/generation"
)

// DefaultDimension is the vector size of a BagOfWords embedder.
const DefaultDimension = 256

// BagOfWords embeds text as word counts. Each new word gets its own
// dimension until the vocabulary is full; later words share hashed slots.
type BagOfWords struct {
	// Fail, when set, is consulted before every request.
	Fail func(texts []string) error

	dim   int
	mu    sync.Mutex
	vocab map[string]int
	calls int
	texts int
}

// NewBagOfWords returns an embedder with DefaultDimension dimensions.
func NewBagOfWords() *BagOfWords {
	return NewSizedBagOfWords(DefaultDimension)
}

// NewSizedBagOfWords returns an embedder producing dim-sized vectors.
func NewSizedBagOfWords(dim int) *BagOfWords {
	return &BagOfWords{dim: dim, vocab: make(map[string]int)}
}

// Dimension returns the vector size.
func (b *BagOfWords) Dimension() int { return b.dim }

// Embed returns the word-count vector of text.
func (b *BagOfWords) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds every text as one request.
func (b *BagOfWords) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	b.texts += len(texts)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", embedding.ErrEmbeddingUnavailable, err)
	}
	if b.Fail != nil {
		if err := b.Fail(texts); err != nil {
			return nil, err
		}
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, b.dim)
		for _, word := range Tokenize(text) {
			v[b.slot(word)]++
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (b *BagOfWords) slot(word string) int {
	if i, ok := b.vocab[word]; ok {
		return i
	}
	if len(b.vocab) < b.dim {
		b.vocab[word] = len(b.vocab)
		return b.vocab[word]
	}
	h := fnv.New32a()
	h.Write([]byte(word))
	return int(h.Sum32() % uint32(b.dim))
}

// Calls returns the number of requests made so far.
func (b *BagOfWords) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Texts returns the number of texts embedded so far.
func (b *BagOfWords) Texts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.texts
}

// Tokenize lowercases text and splits it into letter and digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Generator records prompts and returns a canned reply.
type Generator struct {
	Reply string
	Err   error

	mu      sync.Mutex
	prompts []string
}

// Generate records prompt and returns Reply or Err.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	if g.Err != nil {
		return "", fmt.Errorf("%w: %w", generation.ErrGenerationUnavailable, g.Err)
	}
	return g.Reply, nil
}

// Prompts returns every prompt received, oldest first.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}
