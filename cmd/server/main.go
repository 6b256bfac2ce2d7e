package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"agentfleet/internal/config"
	"agentfleet/internal/server"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.Level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := server.InitDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	logger.Info("Pool manager starting",
		"max_pool_size", cfg.Pool.MaxPoolSize,
		"max_reuse", cfg.Pool.MaxReuseCount,
		"min_pool_size", cfg.Pool.MinPoolSize,
		"idle_timeout", cfg.Pool.IdleTimeout,
		"durable_state", deps.Redis != nil,
	)

	srv := server.NewServer(cfg, deps)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
