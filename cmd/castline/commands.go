package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/castlinehq/castline/internal/config"
	"github.com/castlinehq/castline/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show castline system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printSuccess("server is running on port %d", cfg.Port)
	} else {
		printWarning("server is not reachable on port %d", cfg.Port)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	stories, posts, err := store.CountByKind()
	if err != nil {
		return fmt.Errorf("counting content: %w", err)
	}
	printStatus("Stories", "%d", stories)
	printStatus("Posts", "%d", posts)

	for _, table := range []string{"categories", "tags", "entities"} {
		n, err := store.CountDictionary(table)
		if err != nil {
			return fmt.Errorf("counting %s: %w", table, err)
		}
		printStatus(table, "%d", n)
	}

	unprocessed, err := store.CountUnprocessed()
	if err != nil {
		return fmt.Errorf("counting unprocessed: %w", err)
	}
	printStatus("Unprocessed", "%d", unprocessed)
	return nil
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-run enrichment for unprocessed stories and posts",
	Long: `Re-run enrichment for unprocessed stories and posts.

Items whose processed flag is still false — typically after an upstream
outage — are pushed through extraction, embedding and, for posts, the
relevance check again.

Examples:
  castline backfill
  castline backfill --limit 50 --workers 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		workers, _ := cmd.Flags().GetInt("workers")
		return runBackfill(limit, workers)
	},
}

func init() {
	backfillCmd.Flags().Int("limit", 100, "maximum number of items to backfill")
	backfillCmd.Flags().Int("workers", 4, "concurrent enrichment workers")
}

func runBackfill(limit, workers int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signalContext()
	defer stop()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	p, cleanup, err := buildPipeline(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer cleanup()

	printStep("backfilling up to %d items with %d workers", limit, workers)
	result, err := p.Backfill(ctx, store, limit, workers)
	if err != nil {
		return err
	}

	printStatus("Attempted", "%d", result.Attempted)
	printStatus("Succeeded", "%d", result.Succeeded)
	if result.Failed > 0 {
		printWarning("%d items failed; re-run backfill or check logs", result.Failed)
	} else {
		printSuccess("backfill complete")
	}
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the castline version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "castline version %s\n", version)
	},
}
