// ProdPilot dashboard: read-only HTTP view over the pipeline database.
// Runs as a separate process and never writes to the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prodpilot/prodpilot/pkg/api"
	"github.com/prodpilot/prodpilot/pkg/backup"
	"github.com/prodpilot/prodpilot/pkg/config"
	"github.com/prodpilot/prodpilot/pkg/database"
	"github.com/prodpilot/prodpilot/pkg/store"
)

const lockFileName = "pid.lock"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	dataRoot := flag.String("data-root",
		getEnv("PRODPILOT_DATA_ROOT", "./data"),
		"Path to the data directory (database, artifacts, .env)")
	flag.Parse()

	logger := slog.Default()
	ctx := context.Background()

	// 1. Configuration, shared with the orchestrator.
	cfg, err := config.Load(*dataRoot)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, reason := range verr.Reasons {
				logger.Error("invalid configuration", "reason", reason)
			}
		} else {
			logger.Error("failed to load configuration", "error", err)
		}
		return 2
	}

	// 2. Read-only store connection; the orchestrator keeps the only writer.
	client, err := database.OpenReadOnly(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database read-only", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	st := store.New(client)
	backups := backup.NewManager(client, cfg.ArtifactsRoot, logger)
	lockPath := filepath.Join(cfg.DataRoot, lockFileName)

	server := api.NewServer(st, backups, cfg.MaxUSDLifetime, lockPath, logger)
	server.SetActivityLimit(cfg.ActivityLimit)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("dashboard server error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("dashboard shutdown error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
