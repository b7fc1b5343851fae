package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/insight-engine/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is in the index",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	status, err := eng.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read index status: %w", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), status)
	}
	printStatus(cmd.OutOrStdout(), cfg.Index.Backend, status)
	return nil
}

func printStatus(w io.Writer, backend string, status *engine.Status) {
	fmt.Fprintf(w, "Backend:    %s\n", backend)
	fmt.Fprintf(w, "Documents:  %d\n", len(status.Sources))
	fmt.Fprintf(w, "Chunks:     %d\n", status.Entries)
	fmt.Fprintf(w, "Dimension:  %d\n", status.Dimension)
	fmt.Fprintf(w, "Answers:    %s\n", enabled(status.LLM))

	if len(status.Sources) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCHUNKS\tFINGERPRINT\tLAST SEEN")
	for _, rec := range status.Sources {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			rec.Source, rec.ChunkCount, shortFingerprint(rec.Fingerprint), rec.LastSeenAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
