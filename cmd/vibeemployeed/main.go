package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikkotan/vibe-employee/internal/api"
	"github.com/mikkotan/vibe-employee/internal/automation"
	"github.com/mikkotan/vibe-employee/internal/config"
	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/logging"
	timeclockmcp "github.com/mikkotan/vibe-employee/internal/mcp"
	"github.com/mikkotan/vibe-employee/internal/notify"
	"github.com/mikkotan/vibe-employee/internal/queue"
	"github.com/mikkotan/vibe-employee/internal/store"
	"github.com/mikkotan/vibe-employee/internal/vault"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.SnapshotKeep)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	credVault, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("init credential vault", "err", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.NoOpNotifier{}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL != "" {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Error("init bark notifier", "err", err)
			os.Exit(1)
		}
		notifier = bark
	}

	browser := automation.NewChromeFactory(cfg.Browser.Headless, logger)
	executor := automation.NewExecutor(storeInst, credVault, browser, storeInst, logger)

	jobQueue := queue.New(storeInst, queue.RunnerFunc(func(ctx context.Context, job *core.Job) error {
		_, err := executor.Run(ctx, job)
		return err
	}), logger, notifier, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
	})

	evaluator := core.NewEvaluator(storeInst, jobQueue, logger, core.SystemClock{})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	jobQueue.Start(ctx)
	evaluator.Start(ctx)

	// Run based on mode
	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, evaluator, credVault, executor, jobQueue, logger, cancel)
	case "mcp":
		runMCPMode(storeInst, evaluator, jobQueue, logger, cfg.ShutdownGrace, cancel)
	case "both":
		runBothMode(cfg, storeInst, evaluator, credVault, executor, jobQueue, logger, cancel)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode starts only the HTTP server (with the MCP endpoint mounted).
func runHTTPMode(cfg *config.Config, storeInst *store.Store, evaluator *core.Evaluator, credVault *vault.Vault, executor *automation.Executor, jobQueue *queue.Queue, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := timeclockmcp.NewMCPServer(storeInst, evaluator, logger)
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, evaluator, credVault, executor, mcpServer, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopAll(evaluator, jobQueue, logger, cfg.ShutdownGrace, cancel)
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(storeInst *store.Store, evaluator *core.Evaluator, jobQueue *queue.Queue, logger *slog.Logger, grace time.Duration, cancel context.CancelFunc) {
	mcpServer := timeclockmcp.NewMCPServer(storeInst, evaluator, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	// Run MCP server (blocking)
	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}

	stopAll(evaluator, jobQueue, logger, grace, cancel)
}

// runBothMode starts the HTTP server and the stdio MCP server together.
func runBothMode(cfg *config.Config, storeInst *store.Store, evaluator *core.Evaluator, credVault *vault.Vault, executor *automation.Executor, jobQueue *queue.Queue, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := timeclockmcp.NewMCPServer(storeInst, evaluator, logger)

	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, evaluator, credVault, executor, mcpServer, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopAll(evaluator, jobQueue, logger, cfg.ShutdownGrace, cancel)
	logger.Info("shutdown complete")
}

// stopAll stops the evaluator cron loop and drains the job queue.
func stopAll(evaluator *core.Evaluator, jobQueue *queue.Queue, logger *slog.Logger, grace time.Duration, cancel context.CancelFunc) {
	stopCtx := evaluator.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("evaluator stop timed out")
	}
	cancel()
	jobQueue.Stop()
}
