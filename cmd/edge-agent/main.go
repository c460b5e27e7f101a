package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"edgeonboard/internal/agent"
	"edgeonboard/internal/apply"
	"edgeonboard/internal/config"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("Starting edge agent",
		"device_id", cfg.DeviceID,
		"server_url", cfg.ServerURL,
		"device_url", cfg.DeviceURL,
		"state_dir", cfg.StateDir,
		"poll_interval", cfg.PollInterval,
		"log_level", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := agent.NewStore(cfg.StateDir)
	client, err := agent.Connect(ctx, logger, store, cfg.ServerURL, cfg.DeviceURL)
	if err != nil {
		logger.Error("Failed to reach fleet server", "error", err)
		os.Exit(1)
	}

	executor := apply.NewExecutor(cfg.BackupDir, logger)
	a := agent.New(logger, client, store, executor, cfg.DeviceID, cfg.PollInterval, cfg.ClaimBackoff)

	if err := a.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("Bootstrap interrupted")
			return
		}
		logger.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("Agent loop failed", "error", err)
		os.Exit(1)
	}

	logger.Info("edge agent exited")
}
