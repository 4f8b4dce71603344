package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/exposure-sentinel/internal/detection"
	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/notify"
	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Detector starts detection runs.
type Detector interface {
	StartWithCompletion(ctx context.Context, completion func(bool)) *detection.Handle
}

// EngineStatus reports whether the engine may run detection.
type EngineStatus interface {
	AuthorizationStatus() engine.AuthorizationStatus
	Status() engine.Status
}

// Runner schedules detection runs, either on a fixed interval or from the
// engine's activity callback.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	deadline      time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	detector      Detector
	engine        EngineStatus
	reactive      engine.Reactive
	notifier      notify.Notifier
	completion    func(bool)
	now           func() time.Time

	alertMu          sync.Mutex
	bluetoothAlerted bool
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithDetector sets the detector started by the default RunOnce.
func WithDetector(d Detector) Option {
	return func(r *Runner) {
		r.detector = d
	}
}

// WithEngine gates cycles on the engine's authorization and raises the
// Bluetooth alert.
func WithEngine(e EngineStatus) Option {
	return func(r *Runner) {
		r.engine = e
	}
}

// WithReactive drives cycles from the engine activity callback instead of
// the ticker.
func WithReactive(reactive engine.Reactive) Option {
	return func(r *Runner) {
		r.reactive = reactive
	}
}

// WithDeadline expires every run that is still going after d.
func WithDeadline(d time.Duration) Option {
	return func(r *Runner) {
		r.deadline = d
	}
}

// WithNotifier sets where the Bluetooth alert is sent.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithCompletion receives the outcome of every started cycle.
func WithCompletion(fn func(success bool)) Option {
	return func(r *Runner) {
		r.completion = fn
	}
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: time.Now,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 && r.reactive == nil {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial run cycle failed")
	}

	if r.reactive != nil {
		return r.runReactive(ctx)
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run cycle failed")
			}
		}
	}
}

func (r *Runner) runReactive(ctx context.Context) error {
	r.reactive.SetActivityHandler(func(flags engine.ActivityFlags) {
		if !flags.Has(engine.ActivityPeriodicRun) || ctx.Err() != nil {
			return
		}
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("activity run cycle failed")
		}
	})
	r.logger.Info().Msg("detection driven by engine activity")

	<-ctx.Done()
	r.reactive.SetActivityHandler(nil)
	r.logger.Info().Msg("runner stopped")
	return nil
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	if r.detector == nil {
		return nil
	}

	if r.engine != nil {
		r.checkBluetooth(ctx)
		if status := r.engine.AuthorizationStatus(); status != engine.AuthorizationAuthorized {
			r.logger.Info().Str("authorization", status.String()).Msg("exposure notifications not authorized; skipping detection")
			return nil
		}
	}

	h := r.detector.StartWithCompletion(ctx, r.completion)
	if r.deadline > 0 {
		timer := time.AfterFunc(r.deadline, h.Expire)
		defer timer.Stop()
	}
	<-h.Done()

	err := h.Err()
	if errors.Is(err, detection.ErrConcurrentRun) {
		r.logger.Debug().Msg("detection already running; cycle skipped")
		return nil
	}
	return wrapRuntime("exposure detection", err)
}

// checkBluetooth raises the Bluetooth alert once while detection is
// authorized and Bluetooth is off, and resolves it when Bluetooth returns.
func (r *Runner) checkBluetooth(ctx context.Context) {
	if r.notifier == nil {
		return
	}
	off := r.engine.AuthorizationStatus() == engine.AuthorizationAuthorized &&
		r.engine.Status() == engine.StatusBluetoothOff

	r.alertMu.Lock()
	changed := off != r.bluetoothAlerted
	r.bluetoothAlerted = off
	r.alertMu.Unlock()
	if !changed {
		return
	}

	alert := notify.Alert{
		ID:       notify.AlertBluetoothOff,
		Title:    "Bluetooth is off",
		Body:     "Exposure notifications need Bluetooth to record nearby devices.",
		Resolved: !off,
		At:       r.now(),
	}
	if err := r.notifier.Alert(ctx, alert); err != nil {
		r.logger.Warn().Err(wrapRuntime("send bluetooth alert", err)).Msg("alert delivery failed")
	}
}
