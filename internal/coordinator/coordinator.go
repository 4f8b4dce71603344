package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nholik/exposure-sentinel/internal/config"
	"github.com/nholik/exposure-sentinel/internal/detection"
	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/healthcheck"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/nholik/exposure-sentinel/internal/metrics"
	"github.com/nholik/exposure-sentinel/internal/notify"
	"github.com/nholik/exposure-sentinel/internal/runner"
	"github.com/nholik/exposure-sentinel/internal/server"
	"github.com/nholik/exposure-sentinel/internal/sharing"
	"github.com/nholik/exposure-sentinel/internal/state"
	"github.com/nholik/exposure-sentinel/internal/transition"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const outcomeBuffer = 16

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Store     *state.Local
	Keys      *keyserver.Client
	Engine    engine.Engine
	Notifiers []notify.Notifier
}

// Coordinator wires detection, scheduling, notifications and the HTTP
// surfaces, and owns their lifetime.
type Coordinator struct {
	logger   zerolog.Logger
	cfg      config.Config
	deps     Deps
	metrics  *metrics.Metrics
	tracker  *healthcheck.Tracker
	notifier notify.Notifier
	adapter  engine.Adapter
	detector *detection.Orchestrator
	sharer   *sharing.Service
	runner   *runner.Runner
	outcomes chan notify.Outcome
	now      func() time.Time

	mu        sync.Mutex
	lastError *string
	// notified is the last error already delivered as an outcome.
	notified *string
}

// New constructs a Coordinator. It fails when the engine supports no
// detection API.
func New(logger zerolog.Logger, cfg config.Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Keys == nil || deps.Engine == nil {
		return nil, fmt.Errorf("coordinator: store, key client and engine are required")
	}

	version := engine.DetectVersion(deps.Engine.Capability())
	adapter, err := engine.NewAdapter(deps.Engine, version)
	if err != nil {
		return nil, fmt.Errorf("select detection strategy: %w", err)
	}

	c := &Coordinator{
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		metrics:  metrics.New(),
		tracker:  healthcheck.NewTracker(),
		adapter:  adapter,
		outcomes: make(chan notify.Outcome, outcomeBuffer),
		now:      time.Now,
	}
	c.notifier = notify.NewMultiNotifier(deps.Notifiers...).WithMetrics(c.metrics)

	c.detector, err = detection.New(deps.Keys, deps.Store, adapter,
		logger.With().Str("component", "detection").Logger(),
		detection.WithConcurrency(cfg.DownloadConcurrency),
		detection.WithMetrics(c.metrics),
		detection.WithTracker(c.tracker),
		detection.WithReportHook(c.onReport),
	)
	if err != nil {
		return nil, err
	}
	c.sharer = sharing.New(deps.Engine, deps.Keys, deps.Store, logger.With().Str("component", "sharing").Logger())

	opts := []runner.Option{
		runner.WithDetector(c.detector),
		runner.WithEngine(deps.Engine),
		runner.WithDeadline(cfg.RunDeadline),
		runner.WithNotifier(c.notifier),
		runner.WithCompletion(c.onCompletion),
	}
	if reactive, ok := adapter.(engine.Reactive); ok {
		opts = append(opts, runner.WithReactive(reactive))
	}
	c.runner = runner.New(logger.With().Str("component", "runner").Logger(), cfg.PollInterval, opts...)

	logger.Info().Str("api_version", version.String()).Msg("detection strategy selected")
	return c, nil
}

// Run starts the servers, the notification worker and the scheduler, and
// blocks until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	st, err := c.deps.Store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.mu.Lock()
	c.lastError = st.LastError
	c.notified = st.LastError
	c.mu.Unlock()
	c.metrics.SetCursor(st.NextFileIndex)
	c.metrics.SetExposuresTotal(len(st.Exposures))

	unsubscribe := c.deps.Store.Subscribe(c.onChange)
	defer unsubscribe()
	c.deps.Store.PublishAuthorization(ctx, c.deps.Engine.AuthorizationStatus().String())

	server.Start(ctx, c.logger, server.Config{
		PollInterval: c.cfg.PollInterval,
		Tracker:      c.tracker,
		Metrics:      c.metrics,
		HealthPort:   c.cfg.HealthPort,
		MetricsPort:  c.cfg.MetricsPort,
		Dev:          c.devHandler(ctx),
	})

	c.logger.Info().
		Dur("poll_interval", c.cfg.PollInterval).
		Dur("run_deadline", c.cfg.RunDeadline).
		Msg("starting coordinator")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { c.deliver(ctx) })
	if sim, ok := c.deps.Engine.(*engine.Simulated); ok && sim.Capability().ActivityHandler {
		wg.Go(func() { sim.RunActivity(ctx, c.cfg.PollInterval) })
	}

	err = c.runner.Run(ctx)
	cancel()
	wg.Wait()
	c.logger.Info().Msg("coordinator stopped")
	return err
}

func (c *Coordinator) devHandler(ctx context.Context) http.Handler {
	if !c.cfg.DevRoutes {
		return nil
	}
	dev := server.NewDev(ctx, c.logger.With().Str("component", "dev").Logger(),
		c.detector, c.deps.Store, c.sharer, c.deps.Keys)
	return dev.Handler()
}

// onReport turns a finished run into a notification.
func (c *Coordinator) onReport(report detection.Report) {
	outcome := notify.Outcome{
		Success: report.Success,
		At:      report.Started.Add(report.Duration),
	}
	if report.Err != nil {
		outcome.Kind = string(detection.KindOf(report.Err))
		outcome.Error = report.Err.Error()
	} else {
		outcome.NewExposures = transition.NewExposures(report.Previous, report.Current)
	}
	c.enqueue(outcome)

	// The run left its own description, or nothing. Anything else was written
	// by another caller while the run was in flight.
	var committed *string
	if report.Err != nil {
		description := report.Err.Error()
		committed = &description
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sameError(c.lastError, committed) {
		c.notified = c.lastError
		return
	}
	c.notifyErrorLocked(c.lastError)
}

// onChange keeps gauges current and reports last-error changes made outside
// a run, such as developer actions.
func (c *Coordinator) onChange(change state.Change) {
	if change.Has(state.FieldAuthorization) {
		c.logger.Info().Str("authorization", change.Authorization).Msg("authorization status published")
	}
	if change.Has(state.FieldExposures) {
		c.metrics.SetExposuresTotal(len(change.State.Exposures))
	}
	if change.Has(state.FieldNextFileIndex) {
		c.metrics.SetCursor(change.State.NextFileIndex)
	}
	if !change.Has(state.FieldLastError) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.lastError
	c.lastError = change.State.LastError

	// Changes seen during a run are settled by onReport.
	if c.detector.InFlight() {
		return
	}
	errChange := transition.DetectErrorTransition(previous, change.State.LastError)
	if errChange == nil {
		return
	}
	if errChange.Cleared {
		c.notified = nil
		c.logger.Info().Str("previous", errChange.Previous).Msg("detection error cleared")
		return
	}
	c.notifyErrorLocked(change.State.LastError)
}

// notifyErrorLocked delivers current as a failure unless it was already
// delivered. Caller must hold c.mu.
func (c *Coordinator) notifyErrorLocked(current *string) {
	if current == nil {
		c.notified = nil
		return
	}
	if sameError(current, c.notified) {
		return
	}
	c.notified = current
	c.enqueue(notify.Outcome{Error: *current, At: c.now()})
}

func sameError(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (c *Coordinator) onCompletion(success bool) {
	c.logger.Debug().Bool("success", success).Msg("detection cycle completed")
}

func (c *Coordinator) enqueue(outcome notify.Outcome) {
	select {
	case c.outcomes <- outcome:
	default:
		c.logger.Warn().Bool("success", outcome.Success).Msg("notification queue full; outcome dropped")
	}
}

func (c *Coordinator) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome := <-c.outcomes:
			if err := c.notifier.Notify(ctx, outcome); err != nil {
				c.logger.Warn().Err(err).Msg("notification delivery failed")
			}
		}
	}
}

// Detector exposes the orchestrator, primarily for tests.
func (c *Coordinator) Detector() *detection.Orchestrator { return c.detector }

// Tracker exposes the health tracker.
func (c *Coordinator) Tracker() *healthcheck.Tracker { return c.tracker }

// Metrics exposes the metrics registry.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }
