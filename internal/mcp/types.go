// Package mcp exposes search and question answering as MCP tools over stdio.
package mcp

import "time"

// SearchInput defines the input parameters for the search_documents tool.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"the search query to find relevant passages"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of passages to return (default 5, at most 20)"`
}

// Passage is one retrieved chunk.
type Passage struct {
	Source     string   `json:"source"`
	ChunkIndex int      `json:"chunk_index"`
	Text       string   `json:"text"`
	Distance   *float64 `json:"distance,omitempty"`
}

// SearchOutput contains the search results.
type SearchOutput struct {
	Results []Passage `json:"results"`
	Count   int       `json:"count"`
	// Message explains an empty result.
	Message string `json:"message,omitempty"`
}

// AnswerInput defines the input parameters for the answer_question tool.
type AnswerInput struct {
	Question      string `json:"question" jsonschema:"the question to answer from the indexed documents"`
	ContextChunks int    `json:"context_chunks,omitempty" jsonschema:"number of passages to use as context (default 5, at most 20)"`
}

// AnswerOutput contains the generated answer and its context.
type AnswerOutput struct {
	Answer  string    `json:"answer"`
	Context []Passage `json:"context"`
}

// StatusInput defines the input parameters for the index_status tool.
type StatusInput struct{}

// SourceStatus describes one indexed document.
type SourceStatus struct {
	Source      string    `json:"source"`
	Title       string    `json:"title,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Chunks      int       `json:"chunks"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// StatusOutput contains index statistics.
type StatusOutput struct {
	TotalDocs   int            `json:"total_docs"`
	TotalChunks int            `json:"total_chunks"`
	Dimension   int            `json:"dimension"`
	LLMEnabled  bool           `json:"llm_enabled"`
	Sources     []SourceStatus `json:"sources"`
}
