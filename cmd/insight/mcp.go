package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	mcpserver "github.com/bull/insight-engine/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve search and answers as MCP tools over stdio",
	Long: `Runs an MCP server on stdin/stdout exposing the tools
search_documents, answer_question and index_status.
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	slog.Info("Starting Insight MCP server (stdio mode)", "llm", eng.LLMEnabled())
	return mcpserver.NewServer(eng, version).Run(cmd.Context())
}
