package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bull/insight-engine/internal/embedding"
	"github.com/bull/insight-engine/internal/engine"
	"github.com/bull/insight-engine/internal/generation"
	"github.com/bull/insight-engine/internal/retriever"
)

var (
	numResults int
	jsonOutput bool
)

const noResultsHint = "No results found.\n\nDid you add files to the data folder and run `insight ingest`?"

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the passages most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question with a local model, using retrieved passages as context",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, askCmd} {
		cmd.Flags().IntVarP(&numResults, "num", "n", 5, "number of passages to retrieve")
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
		rootCmd.AddCommand(cmd)
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	hits, err := eng.Search(cmd.Context(), strings.Join(args, " "), numResults)
	if err != nil {
		return explain(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, hits)
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, noResultsHint)
		return nil
	}
	for _, hit := range hits {
		printHit(out, hit)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ans, err := eng.Answer(cmd.Context(), strings.Join(args, " "), numResults)
	if err != nil {
		return explain(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, ans)
	}

	fmt.Fprintln(out, ans.Text)
	if len(ans.HitsUsed) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Context used:")
		for _, hit := range ans.HitsUsed {
			fmt.Fprintf(out, "  - %s\n", hitHeader(hit))
		}
	}
	return nil
}

func hitHeader(hit retriever.Hit) string {
	return fmt.Sprintf("%s (chunk %d)", hit.Source, hit.ChunkIndex)
}

// printHit renders one passage; the distance line appears only when known.
func printHit(w io.Writer, hit retriever.Hit) {
	fmt.Fprintf(w, "== %s\n", hitHeader(hit))
	fmt.Fprintln(w, strings.TrimSpace(hit.Text))
	if hit.Distance != nil {
		fmt.Fprintf(w, "distance: %.4f\n", *hit.Distance)
	}
	fmt.Fprintln(w)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain adds an actionable hint to model outages.
func explain(err error) error {
	switch {
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return fmt.Errorf("%w\n\nCheck OPENAI_API_KEY or that the embeddings endpoint is running", err)
	case errors.Is(err, generation.ErrGenerationUnavailable):
		return fmt.Errorf("%w\n\nMake sure the local model server (e.g. Ollama) is running and the model is pulled", err)
	case errors.Is(err, engine.ErrLLMDisabled):
		return fmt.Errorf("%w\n\nSet generation.enabled: true in the config or INSIGHT_GENERATION_ENABLED=true", err)
	default:
		return err
	}
}
