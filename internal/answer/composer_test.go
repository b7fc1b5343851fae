package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/generation"
	"github.com/bull/insight-engine/internal/retriever"
	"github.com/bull/insight-engine/internal/testutil"
)

type stubSearcher struct {
	hits  []retriever.Hit
	err   error
	limit int
}

func (s *stubSearcher) Search(_ context.Context, _ string, n int) ([]retriever.Hit, error) {
	s.limit = n
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > n {
		return s.hits[:n], nil
	}
	return s.hits, nil
}

func dist(d float64) *float64 { return &d }

func sampleHits() []retriever.Hit {
	return []retriever.Hit{
		{Source: "notes.txt", ChunkIndex: 1, Text: " likes coffee.", Distance: dist(0.1)},
		{Source: "notes.txt", ChunkIndex: 0, Text: "Alice likes tea. Bob", Distance: dist(0.4)},
		{Source: "diary.md", ChunkIndex: 3, Text: "Nothing about drinks", Distance: dist(0.9)},
	}
}

func promptSize(query string, hits []retriever.Hit) int {
	n := utf8.RuneCountInString(promptHeader) + utf8.RuneCountInString(fmt.Sprintf(promptFooter, query))
	for i, hit := range hits {
		n += utf8.RuneCountInString(formatHit(i, hit))
	}
	return n
}

func TestAnswer_NoContextSkipsGeneration(t *testing.T) {
	gen := &testutil.Generator{Reply: "should not be used"}
	c := New(&stubSearcher{}, gen, Config{}, nil)

	ans, err := c.Answer(context.Background(), "What does Bob drink?", 5)
	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, ans.Text)
	assert.Empty(t, ans.HitsUsed)
	assert.Empty(t, gen.Prompts())
}

func TestAnswer_UsesHitsNearestFirst(t *testing.T) {
	gen := &testutil.Generator{Reply: "Bob likes coffee."}
	searcher := &stubSearcher{hits: sampleHits()}
	c := New(searcher, gen, Config{}, nil)

	ans, err := c.Answer(context.Background(), "What does Bob drink?", 2)
	require.NoError(t, err)
	assert.Equal(t, "Bob likes coffee.", ans.Text)
	assert.Equal(t, 2, searcher.limit)
	assert.Equal(t, sampleHits()[:2], ans.HitsUsed)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	prompt := prompts[0]
	first := strings.Index(prompt, " likes coffee.")
	second := strings.Index(prompt, "Alice likes tea. Bob")
	assert.True(t, first >= 0 && second > first, "nearest hit must come first")
	assert.True(t, strings.HasSuffix(prompt, "Question: What does Bob drink?\nAnswer:"))
	assert.NotContains(t, prompt, "Nothing about drinks")
}

func TestBuildPrompt_DropFurthest(t *testing.T) {
	query := "What does Bob drink?"
	hits := sampleHits()
	limit := promptSize(query, hits[:2]) + 5

	c := New(nil, nil, Config{MaxPromptChars: limit, Policy: DropFurthest}, nil)
	prompt, used := c.BuildPrompt(query, hits)

	assert.Equal(t, hits[:2], used)
	assert.LessOrEqual(t, utf8.RuneCountInString(prompt), limit)
	assert.NotContains(t, prompt, "Nothing about drinks")
}

func TestBuildPrompt_TrimFurthest(t *testing.T) {
	query := "What does Bob drink?"
	hits := sampleHits()
	limit := promptSize(query, hits) - 3

	c := New(nil, nil, Config{MaxPromptChars: limit, Policy: TrimFurthest}, nil)
	prompt, used := c.BuildPrompt(query, hits)

	require.Len(t, used, 3)
	assert.Equal(t, "Nothing about dri", used[2].Text)
	assert.Equal(t, hits[2].Distance, used[2].Distance)
	assert.Equal(t, limit, utf8.RuneCountInString(prompt))
	assert.Equal(t, "Nothing about drinks", hits[2].Text, "input hits must not be modified")
}

func TestBuildPrompt_WithinLimitKeepsEverything(t *testing.T) {
	hits := sampleHits()
	c := New(nil, nil, Config{}, nil)

	_, used := c.BuildPrompt("q", hits)
	assert.Equal(t, hits, used)
}

func TestAnswer_NothingFitsSkipsGeneration(t *testing.T) {
	gen := &testutil.Generator{Reply: "unused"}
	c := New(&stubSearcher{hits: sampleHits()}, gen, Config{MaxPromptChars: 10}, nil)

	ans, err := c.Answer(context.Background(), "What does Bob drink?", 3)
	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, ans.Text)
	assert.Empty(t, gen.Prompts())
}

func TestAnswer_GenerationFailure(t *testing.T) {
	gen := &testutil.Generator{Err: errors.New("connection refused")}
	c := New(&stubSearcher{hits: sampleHits()}, gen, Config{}, nil)

	_, err := c.Answer(context.Background(), "q", 3)
	assert.ErrorIs(t, err, generation.ErrGenerationUnavailable)
}

type plainFailingGenerator struct{}

func (plainFailingGenerator) Generate(context.Context, string) (string, error) {
	return "", errors.New("boom")
}

func TestAnswer_GenerationFailureIsClassified(t *testing.T) {
	c := New(&stubSearcher{hits: sampleHits()}, plainFailingGenerator{}, Config{}, nil)

	_, err := c.Answer(context.Background(), "q", 3)
	assert.ErrorIs(t, err, generation.ErrGenerationUnavailable)
}

func TestAnswer_RetrievalFailurePropagates(t *testing.T) {
	gen := &testutil.Generator{}
	searcher := &stubSearcher{err: fmt.Errorf("embed query: %w", embedding.ErrEmbeddingUnavailable)}
	c := New(searcher, gen, Config{}, nil)

	_, err := c.Answer(context.Background(), "q", 3)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)
	assert.False(t, errors.Is(err, generation.ErrGenerationUnavailable))
	assert.Empty(t, gen.Prompts())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropFurthest, p)

	p, err = ParsePolicy("trim-furthest")
	require.NoError(t, err)
	assert.Equal(t, TrimFurthest, p)

	_, err = ParsePolicy("random")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
