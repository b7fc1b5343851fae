package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/insight-engine/internal/answer"
	"github.com/bull/insight-engine/internal/engine"
	"github.com/bull/insight-engine/internal/retriever"
)

// Service is the query surface the tools call into. *engine.Engine implements it.
type Service interface {
	Search(ctx context.Context, query string, n int) ([]retriever.Hit, error)
	Answer(ctx context.Context, query string, n int) (*answer.Answer, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server  *mcp.Server
	service Service
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(service Service, version string) *Server {
	impl := &mcp.Implementation{
		Name:    "insight-engine",
		Version: version,
	}

	s := &Server{
		server:  mcp.NewServer(impl, nil),
		service: service,
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over the local document folder. Returns the most similar passages, nearest first.",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "answer_question",
		Description: "Answer a question using passages retrieved from the local document folder as context.",
	}, s.handleAnswer)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "index_status",
		Description: "Report the indexed documents, chunk counts and whether answer generation is available.",
	}, s.handleStatus)

	return s
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
