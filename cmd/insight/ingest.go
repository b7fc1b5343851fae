package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/insight-engine/internal/indexer"
)

var (
	ingestDataDir string
	ingestRebuild bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index new and changed documents in the data folder",
	Long: `Scans the data folder and brings the index in line with it.

Unchanged files are skipped, changed files are re-embedded and replaced,
and files that were deleted are removed from the index. A file that fails
to extract or embed is reported and keeps its previous entries.

Environment variables:
  OPENAI_API_KEY              API key for the embeddings endpoint
  INSIGHT_EMBEDDING_BASE_URL  OpenAI-compatible endpoint (e.g. http://localhost:11434/v1)
  INSIGHT_DATA_DIR            Data folder (default: data)`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDataDir, "data", "", "data folder (overrides config)")
	ingestCmd.Flags().BoolVar(&ingestRebuild, "rebuild", false, "empty the index before ingesting")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	dir := cfg.DataDir
	if ingestDataDir != "" {
		dir = ingestDataDir
	}

	if ingestRebuild {
		if err := eng.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset index: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Index cleared")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Ingesting %s...\n", dir)
	result, err := eng.Ingest(ctx, dir)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printResult(cmd.OutOrStdout(), result)
	return nil
}

func printResult(w io.Writer, result *indexer.Result) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ingestion complete!")
	fmt.Fprintf(w, "  Files:     %d\n", result.Scanned)
	fmt.Fprintf(w, "  Indexed:   %d\n", result.Indexed)
	fmt.Fprintf(w, "  Unchanged: %d\n", result.Unchanged)
	fmt.Fprintf(w, "  Removed:   %d\n", len(result.Removed))
	fmt.Fprintf(w, "  Chunks:    %d\n", result.TotalChunks)
	fmt.Fprintf(w, "  Duration:  %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Failed) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failed documents:")
		for _, failed := range result.Failed {
			fmt.Fprintf(w, "  - %s: %s\n", failed.Source, failed.Reason())
		}
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Skipped (unsupported type):")
		for _, skipped := range result.Skipped {
			fmt.Fprintf(w, "  - %s\n", skipped.Source)
		}
	}
}
