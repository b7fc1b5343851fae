package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/insight-engine/internal/watch"
)

var (
	watchDataDir  string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Ingest once, then re-ingest whenever the data folder changes",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDataDir, "data", "", "data folder (overrides config)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "quiet period before re-ingesting")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	dir := cfg.DataDir
	if watchDataDir != "" {
		dir = watchDataDir
	}

	ingest := func(ctx context.Context) {
		result, err := eng.Ingest(ctx, dir)
		if err != nil {
			slog.Error("Ingestion failed", "error", err)
			return
		}
		printResult(cmd.OutOrStdout(), result)
	}

	ingest(ctx)
	return watch.New(dir, watchDebounce, slog.Default()).Run(ctx, ingest)
}
