package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/engine"
	"github.com/bull/insight-engine/internal/generation"
	"github.com/bull/insight-engine/internal/retriever"
)

const (
	defaultResults = 5
	maxResults     = 20

	noResultsMessage = "No matching passages found. Add .txt, .md or .pdf files to the data folder and run `insight ingest`."
)

// clampResults applies the default and upper bound to a requested count.
func clampResults(n int) int {
	if n <= 0 {
		return defaultResults
	}
	return min(n, maxResults)
}

func toPassages(hits []retriever.Hit) []Passage {
	passages := make([]Passage, len(hits))
	for i, h := range hits {
		passages[i] = Passage{
			Source:     h.Source,
			ChunkIndex: h.ChunkIndex,
			Text:       h.Text,
			Distance:   h.Distance,
		}
	}
	return passages
}

// describe turns model outages into messages a client can act on.
func describe(err error) error {
	switch {
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return fmt.Errorf("embedding model unavailable, check that the embeddings endpoint is reachable: %w", err)
	case errors.Is(err, generation.ErrGenerationUnavailable):
		return fmt.Errorf("generation model unavailable, check that the local model server is running: %w", err)
	case errors.Is(err, engine.ErrLLMDisabled):
		return fmt.Errorf("answer generation is disabled; set generation.enabled in the config: %w", err)
	default:
		return err
	}
}

// handleSearch handles the search_documents tool invocation.
func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	hits, err := s.service.Search(ctx, input.Query, clampResults(input.MaxResults))
	if err != nil {
		return nil, SearchOutput{}, describe(err)
	}

	output := SearchOutput{Results: toPassages(hits), Count: len(hits)}
	if len(hits) == 0 {
		output.Message = noResultsMessage
	}
	return nil, output, nil
}

// handleAnswer handles the answer_question tool invocation.
func (s *Server) handleAnswer(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AnswerInput,
) (*mcp.CallToolResult, AnswerOutput, error) {
	ans, err := s.service.Answer(ctx, input.Question, clampResults(input.ContextChunks))
	if err != nil {
		return nil, AnswerOutput{}, describe(err)
	}

	return nil, AnswerOutput{
		Answer:  ans.Text,
		Context: toPassages(ans.HitsUsed),
	}, nil
}

// handleStatus handles the index_status tool invocation.
func (s *Server) handleStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	status, err := s.service.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to read index status: %w", err)
	}

	sources := make([]SourceStatus, len(status.Sources))
	for i, rec := range status.Sources {
		sources[i] = SourceStatus{
			Source:      rec.Source,
			Title:       rec.Title,
			Fingerprint: rec.Fingerprint,
			Chunks:      rec.ChunkCount,
			LastSeenAt:  rec.LastSeenAt,
		}
	}

	return nil, StatusOutput{
		TotalDocs:   len(status.Sources),
		TotalChunks: status.Entries,
		Dimension:   status.Dimension,
		LLMEnabled:  status.LLM,
		Sources:     sources,
	}, nil
}
