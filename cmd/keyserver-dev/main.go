// Command keyserver-dev serves an in-memory key service for local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/nholik/exposure-sentinel/internal/logging"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", envOr("KEYSERVER_ADDR", ":8090"), "listen address")
	pageSize := flag.Int("page-size", 100, "files returned per list page")
	logLevel := flag.String("log-level", envOr("KEYSERVER_LOG_LEVEL", "info"), "log level")
	configPath := flag.String("exposure-config", envOr("KEYSERVER_EXPOSURE_CONFIG", ""), "YAML file with the detection configuration to serve")
	flag.Parse()

	logger := logging.NewWithLevel(*logLevel)
	detectionConfig, err := loadDetectionConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid detection configuration")
	}
	srv := keyserver.NewServer(logger, detectionConfig, keyserver.WithPageSize(*pageSize))

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("addr", *addr).Msg("key server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadDetectionConfig(path string) (exposure.Configuration, error) {
	cfg := exposure.Configuration{
		AttenuationDurationThresholds: []int{50, 70},
		ImmediateDurationWeight:       100,
		NearDurationWeight:            100,
		MediumDurationWeight:          100,
		OtherDurationWeight:           100,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return exposure.Configuration{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return exposure.Configuration{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
