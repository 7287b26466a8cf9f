// Maestro orchestration server — plans agent execution, runs parallel groups,
// streams progress over WebSocket, and persists run state per thread.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/api"
	"github.com/maestro-ai/maestro/pkg/checkpoint"
	"github.com/maestro-ai/maestro/pkg/config"
	"github.com/maestro-ai/maestro/pkg/run"
	"github.com/maestro-ai/maestro/pkg/stream"
	"github.com/maestro-ai/maestro/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before resolving knobs.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting maestro", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Resolve configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the checkpoint store
	checkpoints, err := checkpoint.Open(ctx, cfg.CheckpointStore, cfg.CheckpointPath, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to open checkpoint store", "store", cfg.CheckpointStore, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := checkpoints.Close(); err != nil {
			slog.Error("Error closing checkpoint store", "error", err)
		}
	}()
	slog.Info("Checkpoint store ready", "store", cfg.CheckpointStore)

	// 3. Register the built-in agents; registration order is the canonical
	// order for planning and event serialization.
	registry := agent.NewRegistry()
	for _, a := range []agent.Agent{
		agent.NewSearch(),
		agent.NewAnalytics(),
		agent.NewDocument(),
		agent.NewCompliance(),
	} {
		if err := registry.Register(a); err != nil {
			slog.Error("Failed to register agent", "agent", a.Name(), "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Agents registered", "agents", registry.Names())

	// 4. Wire the run controller and streaming infrastructure
	controller := run.NewController(registry, checkpoints, run.Options{
		Policy:           cfg.Policy(),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout(),
		AgentTimeout:     cfg.AgentTimeout(),
		RunDeadline:      cfg.RunDeadline(),
		StreamHWM:        cfg.StreamHWM,
		MaxConcurrent:    cfg.MaxConcurrent,
		MemDeltaWarnMB:   cfg.MemDeltaWarnMB,
	})
	manager := stream.NewConnectionManager(10 * time.Second)

	// 5. Start the HTTP server (non-blocking)
	server := api.NewServer(controller, manager, checkpoints, registry)
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Maestro started successfully", "http_port", cfg.HTTPPort)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting, let in-flight runs settle.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
