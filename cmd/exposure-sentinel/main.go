package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/exposure-sentinel/internal/config"
	"github.com/nholik/exposure-sentinel/internal/coordinator"
	"github.com/nholik/exposure-sentinel/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Msg("exposure-sentinel starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, closeDeps, err := coordinator.Build(logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer func() {
		if err := closeDeps(); err != nil {
			logger.Error().Err(err).Msg("failed to close state store")
		}
	}()

	coord, err := coordinator.New(logger, cfg, deps)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize coordinator")
		return
	}
	if err := coord.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("coordinator exited with error")
	}
	logger.Info().Msg("exposure-sentinel stopped")
}
