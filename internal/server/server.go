package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nholik/exposure-sentinel/internal/healthcheck"
	"github.com/nholik/exposure-sentinel/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Config selects which HTTP surfaces are served and where.
type Config struct {
	PollInterval time.Duration
	Tracker      *healthcheck.Tracker
	Metrics      *metrics.Metrics
	HealthPort   int
	MetricsPort  int
	// Dev is mounted under /dev/ on the health port when set.
	Dev http.Handler
}

// Start launches health and metrics HTTP servers as configured.
func Start(ctx context.Context, logger zerolog.Logger, cfg Config) {
	if cfg.HealthPort == 0 && cfg.MetricsPort == 0 {
		return
	}

	if cfg.HealthPort > 0 && cfg.MetricsPort > 0 && cfg.HealthPort == cfg.MetricsPort {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, cfg)
		registerMetricsRoute(mux, cfg.Metrics)
		startServer(ctx, logger, mux, cfg.HealthPort, "health/metrics")
		return
	}

	if cfg.HealthPort > 0 {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, cfg)
		startServer(ctx, logger, mux, cfg.HealthPort, "health")
	}

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		registerMetricsRoute(mux, cfg.Metrics)
		startServer(ctx, logger, mux, cfg.MetricsPort, "metrics")
	}
}

// NewMux returns the health and developer routes without starting a listener.
func NewMux(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthRoutes(mux, cfg)
	registerMetricsRoute(mux, cfg.Metrics)
	return mux
}

func registerHealthRoutes(mux *http.ServeMux, cfg Config) {
	mux.HandleFunc("/healthz", healthcheck.HealthHandler(cfg.Tracker, cfg.PollInterval))
	mux.HandleFunc("/readyz", healthcheck.ReadyHandler(cfg.Tracker))
	if cfg.Dev != nil {
		mux.Handle("/dev/", cfg.Dev)
	}
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("/metrics", metricsCollector.Handler())
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
