// Package answer composes retrieval-augmented answers.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bull/insight-engine/internal/generation"
	"github.com/bull/insight-engine/internal/retriever"
)

const (
	// NoContextAnswer is returned, without calling the model, when retrieval finds nothing.
	NoContextAnswer = "I couldn't find anything relevant in your documents to answer that."

	DefaultMaxPromptChars = 6000
)

// Policy selects how an over-long prompt is shortened.
type Policy string

const (
	// DropFurthest removes whole hits, furthest first.
	DropFurthest Policy = "drop-furthest"
	// TrimFurthest cuts the tail of the furthest kept hit, dropping it only
	// when nothing of it fits.
	TrimFurthest Policy = "trim-furthest"
)

// ErrUnknownPolicy is returned by ParsePolicy for unrecognised names.
var ErrUnknownPolicy = errors.New("unknown truncation policy")

// ParsePolicy maps a configuration value to a Policy. Empty means DropFurthest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", DropFurthest:
		return DropFurthest, nil
	case TrimFurthest:
		return TrimFurthest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Searcher retrieves context hits, nearest first.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]retriever.Hit, error)
}

// Generator completes a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config bounds prompt assembly.
type Config struct {
	MaxPromptChars int // Counted in runes
	Policy         Policy
}

// Answer is a generated reply and the hits it was built from.
type Answer struct {
	Text     string          `json:"text"`
	HitsUsed []retriever.Hit `json:"hits_used"`
}

// Composer retrieves context for a question and asks the model to answer it.
type Composer struct {
	searcher  Searcher
	generator Generator
	maxChars  int
	policy    Policy
	logger    *slog.Logger
}

// New creates a Composer.
func New(searcher Searcher, generator Generator, cfg Config, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = DefaultMaxPromptChars
	}
	if cfg.Policy == "" {
		cfg.Policy = DropFurthest
	}
	return &Composer{
		searcher:  searcher,
		generator: generator,
		maxChars:  cfg.MaxPromptChars,
		policy:    cfg.Policy,
		logger:    logger,
	}
}

// Answer answers query from the n nearest chunks. With no usable context it
// returns NoContextAnswer and does not call the model.
func (c *Composer) Answer(ctx context.Context, query string, n int) (*Answer, error) {
	hits, err := c.searcher.Search(ctx, query, n)
	if err != nil {
		return nil, err
	}

	prompt, used := c.BuildPrompt(query, hits)
	if len(used) == 0 {
		if len(hits) > 0 {
			c.logger.Warn("No context fits the prompt limit", "hits", len(hits), "max_chars", c.maxChars)
		}
		return &Answer{Text: NoContextAnswer, HitsUsed: []retriever.Hit{}}, nil
	}
	if len(used) < len(hits) {
		c.logger.Debug("Prompt truncated", "hits", len(hits), "used", len(used), "policy", c.policy)
	}

	text, err := c.generator.Generate(ctx, prompt)
	if err != nil {
		if !errors.Is(err, generation.ErrGenerationUnavailable) {
			err = fmt.Errorf("%w: %w", generation.ErrGenerationUnavailable, err)
		}
		return nil, err
	}

	return &Answer{Text: text, HitsUsed: used}, nil
}

const (
	promptHeader = "You answer questions about the user's documents.\n" +
		"Use only the context below. If the context does not contain the answer, say so.\n\n" +
		"Context:\n"
	promptFooter = "Question: %s\nAnswer:"
)

// BuildPrompt lays out hits nearest-first followed by the question, within
// the configured limit. It returns the prompt and the hits it contains; a
// trimmed hit is returned with the text that made it into the prompt.
func (c *Composer) BuildPrompt(query string, hits []retriever.Hit) (string, []retriever.Hit) {
	footer := fmt.Sprintf(promptFooter, query)
	fixed := utf8.RuneCountInString(promptHeader) + utf8.RuneCountInString(footer)

	used := append([]retriever.Hit(nil), hits...)
	blocks := make([]string, len(used))
	total := fixed
	for i, hit := range used {
		blocks[i] = formatHit(i, hit)
		total += utf8.RuneCountInString(blocks[i])
	}

	for total > c.maxChars && len(used) > 0 {
		last := len(used) - 1
		size := utf8.RuneCountInString(blocks[last])
		excess := total - c.maxChars
		textLen := utf8.RuneCountInString(used[last].Text)

		if c.policy == TrimFurthest && textLen > excess {
			used[last].Text = truncateRunes(used[last].Text, textLen-excess)
			blocks[last] = formatHit(last, used[last])
			total += utf8.RuneCountInString(blocks[last]) - size
			continue
		}

		used = used[:last]
		blocks = blocks[:last]
		total -= size
	}

	var b strings.Builder
	b.WriteString(promptHeader)
	for _, block := range blocks {
		b.WriteString(block)
	}
	b.WriteString(footer)

	return b.String(), used
}

func formatHit(i int, hit retriever.Hit) string {
	return fmt.Sprintf("[%d] %s (chunk %d)\n%s\n\n", i+1, hit.Source, hit.ChunkIndex, hit.Text)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
