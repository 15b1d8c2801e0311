// Hivecore coordination server — registers agents into the coordination
// tree, dispatches tasks, runs consensus rounds, and streams coordination
// events to observer sessions.
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

	"github.com/joho/godotenv"

	"github.com/agent-hive/hivecore/pkg/api"
	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/core"
	"github.com/agent-hive/hivecore/pkg/snapshot"
	"github.com/agent-hive/hivecore/pkg/version"
)

// Exit codes. Transport bind failures get their own code so process
// supervisors can tell a port conflict from a bad configuration.
const (
	exitOK            = 0
	exitInitFailure   = 1
	exitBindFailure   = 2
	shutdownTimeout   = 10 * time.Second
	snapshotSaveLimit = 5 * time.Second
)

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
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting hivecore",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitInitFailure
	}

	// 2. Open the snapshot store, if persistence is enabled
	store, closeStore, err := openSnapshotStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open snapshot store", "error", err)
		return exitInitFailure
	}
	if closeStore != nil {
		defer closeStore()
	}

	// 3. Wire the coordination core
	c, err := core.New(cfg, core.Options{Store: store})
	if err != nil {
		slog.Error("Failed to build coordination core", "error", err)
		return exitInitFailure
	}

	// 4. Restore prior state before any agent can register
	if err := c.RestoreSnapshot(ctx); err != nil {
		slog.Error("Failed to restore snapshot", "error", err)
		return exitInitFailure
	}

	c.Start(ctx)

	// 5. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, c, slog.Default())
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "addr", addr, "error", err)
		exitCode = exitBindFailure
	}

	// 7. Graceful shutdown: stop the listener, stop coordination loops,
	// then persist a final snapshot within its own budget.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	c.Stop()

	if store != nil {
		saveCtx, saveCancel := context.WithTimeout(ctx, snapshotSaveLimit)
		defer saveCancel()
		if err := c.SaveSnapshot(saveCtx); err != nil {
			slog.Error("Final snapshot save failed", "error", err)
		} else {
			slog.Info("Final snapshot saved")
		}
	}

	slog.Info("Shutdown complete")
	return exitCode
}

// openSnapshotStore builds the configured snapshot store. Returns a nil
// store when persistence is disabled.
func openSnapshotStore(ctx context.Context, cfg *config.Config) (snapshot.Store, func(), error) {
	if !cfg.Snapshot.Enabled {
		slog.Info("Snapshot persistence disabled")
		return nil, nil, nil
	}

	switch cfg.Snapshot.Store {
	case config.SnapshotStoreFile:
		store, err := snapshot.NewFileStore(cfg.Snapshot.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Snapshot store ready", "store", "file", "path", cfg.Snapshot.Path)
		return store, nil, nil

	case config.SnapshotStorePostgres:
		store, err := snapshot.NewPostgresStore(ctx, cfg.Snapshot.Database)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Snapshot store ready", "store", "postgres",
			"host", cfg.Snapshot.Database.Host, "database", cfg.Snapshot.Database.Database)
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing snapshot store", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown snapshot store %q", cfg.Snapshot.Store)
	}
}
