package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/ai"
	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/MutazGhazal/npai-backend/pkg/npai/crypto"
	"github.com/MutazGhazal/npai-backend/pkg/npai/orchestrator"
	"github.com/MutazGhazal/npai-backend/pkg/npai/server"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `npai serve` command that starts the backend.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the backend HTTP API and channel supervisors",
		Long: `Start the NP AI backend: the HTTP API, the Telegram bot manager,
the WhatsApp session supervisor and the Messenger webhook channel.

Examples:
  npai serve
  npai serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets from the OS keyring ──
	config.ResolveSecrets(cfg, logger)

	cipher, err := crypto.New(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	// ── Open the store ──
	for _, dir := range []string{filepath.Dir(cfg.Store.Path), cfg.WhatsApp.SessionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ── Wire the orchestration core ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := ai.NewClient(cfg.OpenRouter, logger)
	dispatcher := ai.NewDispatcher(client, logger)
	orch := orchestrator.New(ctx, cfg, st, dispatcher, cipher, logger)

	if err := orch.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	// ── Start the HTTP API ──
	srv := server.New(*cfg, orch, cipher, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	logger.Info("NP AI backend running. Press Ctrl+C to stop.",
		"port", cfg.Server.Port,
		"model", cfg.OpenRouter.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigChan:
	}

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		orch.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
