package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"github.com/castlinehq/castline/internal/api"
	"github.com/castlinehq/castline/internal/classify"
	"github.com/castlinehq/castline/internal/config"
	"github.com/castlinehq/castline/internal/embedding"
	"github.com/castlinehq/castline/internal/extraction"
	"github.com/castlinehq/castline/internal/pipeline"
	"github.com/castlinehq/castline/internal/relevance"
	"github.com/castlinehq/castline/internal/storage"
	"github.com/castlinehq/castline/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the castline webhook server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildPipeline wires every enrichment stage against the given store and the
// configured upstream services. The returned cleanup closes the vector index
// connection.
func buildPipeline(ctx context.Context, cfg config.Config, store *storage.Store) (*pipeline.Pipeline, func(), error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	client := openai.NewClient(opts...)

	index, err := vectorindex.New(cfg.QdrantHost, cfg.QdrantPort)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to vector index: %w", err)
	}
	if err := index.EnsureCollections(ctx); err != nil {
		index.Close()
		return nil, nil, fmt.Errorf("preparing vector collections: %w", err)
	}

	classifier := classify.New(store)
	extractor := extraction.New(&client, cfg.ChatModel, store)
	embedder := embedding.New(&client, cfg.EmbedModel)
	evaluator := relevance.New(index, store, relevance.DefaultSettleWait)

	p := pipeline.New(classifier, extractor, embedder, index, evaluator, cfg.EventTimeout)
	cleanup := func() {
		if err := index.Close(); err != nil {
			slog.Warn("closing vector index", "error", err)
		}
	}
	return p, cleanup, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "castline version %s\n", version)

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
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	p, cleanup, err := buildPipeline(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer cleanup()

	handler := api.NewHandler(api.Deps{
		Pipeline:      p,
		WebhookSecret: cfg.WebhookSecret,
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "castline listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
