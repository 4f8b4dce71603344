package detection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/nholik/exposure-sentinel/internal/healthcheck"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/nholik/exposure-sentinel/internal/metrics"
	"github.com/nholik/exposure-sentinel/internal/state"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const defaultConcurrency = 4

// KeySource is the part of the key service a run needs.
type KeySource interface {
	ListFiles(ctx context.Context, startIndex int) ([]keyserver.FileRef, error)
	Download(ctx context.Context, ref keyserver.FileRef) (keyserver.LocalFile, error)
	FetchConfiguration(ctx context.Context) (exposure.Configuration, error)
	DeleteLocalFiles(files []keyserver.LocalFile)
}

// Store is the part of the state store a run reads and commits to.
type Store interface {
	Snapshot(ctx context.Context) (state.State, error)
	CommitDetection(ctx context.Context, commit state.DetectionCommit) (state.State, error)
	RecordDetectionFailure(ctx context.Context, description string) error
}

// Report describes a finished run.
type Report struct {
	Success        bool
	Err            error
	Started        time.Time
	Duration       time.Duration
	StartIndex     int
	FilesProcessed int
	Previous       []exposure.Exposure
	Current        []exposure.Exposure
}

// Orchestrator runs exposure detection end to end, one run at a time.
type Orchestrator struct {
	keys        KeySource
	store       Store
	adapter     engine.Adapter
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time
	metrics     *metrics.Metrics
	tracker     *healthcheck.Tracker
	hooks       []func(Report)

	inFlight atomic.Bool
}

// Option customizes Orchestrator behavior.
type Option func(*Orchestrator)

// WithConcurrency bounds parallel key file downloads.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracker records completed runs for health reporting.
func WithTracker(t *healthcheck.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithReportHook registers fn to receive every finished run. Hooks run after
// the in-flight guard is released and before the handle is done.
func WithReportHook(fn func(Report)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.hooks = append(o.hooks, fn)
		}
	}
}

// New constructs an Orchestrator.
func New(keys KeySource, store Store, adapter engine.Adapter, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if keys == nil {
		return nil, errors.New("key source is nil")
	}
	if store == nil {
		return nil, errors.New("state store is nil")
	}
	if adapter == nil {
		return nil, errors.New("engine adapter is nil")
	}
	o := &Orchestrator{
		keys:        keys,
		store:       store,
		adapter:     adapter,
		logger:      logger,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// InFlight reports whether a run is currently executing.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// Start begins a detection run in the background.
func (o *Orchestrator) Start(ctx context.Context) *Handle {
	return o.StartWithCompletion(ctx, nil)
}

// StartWithCompletion begins a run and calls completion with its outcome
// after cleanup, before the handle is done. When another run is in flight the returned handle is already
// done with ErrConcurrentRun and completion receives false.
func (o *Orchestrator) StartWithCompletion(ctx context.Context, completion func(bool)) *Handle {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Warn().Msg("exposure detection already in progress")
		o.metrics.IncRuns("rejected")
		if completion != nil {
			completion(false)
		}
		return rejectedHandle()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go o.run(runCtx, h, completion)
	return h
}

// Run starts a run and waits for it.
func (o *Orchestrator) Run(ctx context.Context) error {
	h := o.Start(ctx)
	<-h.Done()
	return h.Err()
}

// run is the state of one detection passed through the stages.
type run struct {
	started    time.Time
	startIndex int
	previous   []exposure.Exposure
	refs       []keyserver.FileRef
	result     engine.Result
	current    []exposure.Exposure

	mu    sync.Mutex
	files []keyserver.LocalFile
}

func (r *run) addFile(file keyserver.LocalFile) {
	r.mu.Lock()
	r.files = append(r.files, file)
	r.mu.Unlock()
}

func (r *run) downloaded() []keyserver.LocalFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := append([]keyserver.LocalFile(nil), r.files...)
	sort.Slice(files, func(i, j int) bool {
		return files[i].Ref.Index < files[j].Ref.Index
	})
	return files
}

func (r *run) paths() []string {
	files := r.downloaded()
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, completion func(bool)) {
	r := &run{started: o.now()}

	err := o.execute(ctx, r)
	err = o.commit(ctx, r, err)

	o.keys.DeleteLocalFiles(r.downloaded())
	h.cancel(nil)

	report := o.observe(r, err)
	o.inFlight.Store(false)
	for _, hook := range o.hooks {
		hook(report)
	}
	if completion != nil {
		completion(err == nil)
	}
	h.finish(err)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	snapshot, err := o.store.Snapshot(ctx)
	if err != nil {
		return wrapRun(KindStorage, "read detection cursor", err)
	}
	r.startIndex = snapshot.NextFileIndex
	r.previous = snapshot.Exposures

	refs, err := o.keys.ListFiles(ctx, r.startIndex)
	if err != nil {
		return wrapRun(KindNetwork, "list key files", err)
	}
	r.refs = refs
	o.logger.Debug().Int("start_index", r.startIndex).Int("files", len(refs)).Msg("key files listed")

	if err := o.download(ctx, r); err != nil {
		return wrapRun(KindNetwork, "download key files", err)
	}

	cfg, err := o.keys.FetchConfiguration(ctx)
	if err != nil {
		if errors.Is(err, exposure.ErrInvalidConfiguration) {
			return wrapRun(KindConfiguration, "fetch configuration", err)
		}
		return wrapRun(KindNetwork, "fetch configuration", err)
	}

	result, err := o.adapter.Compute(ctx, r.paths(), cfg)
	if err != nil {
		return wrapRun(KindEngine, "compute exposures", err)
	}
	r.result = result
	return nil
}

// download fetches every listed file, at most concurrency at a time. The
// first failure cancels the remaining downloads; files already on disk stay
// recorded in r for cleanup.
func (o *Orchestrator) download(ctx context.Context, r *run) error {
	if len(r.refs) == 0 {
		return nil
	}
	p := pool.New().
		WithMaxGoroutines(o.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, ref := range r.refs {
		p.Go(func(ctx context.Context) error {
			file, err := o.keys.Download(ctx, ref)
			if err != nil {
				if ctx.Err() == nil {
					o.metrics.IncDownloadErrors()
				}
				return err
			}
			r.addFile(file)
			return nil
		})
	}
	return p.Wait()
}

// commit records the outcome. Cancellation observed here overrides any
// success. Writes use a context detached from the run so a cancelled run still
// records its failure.
func (o *Orchestrator) commit(ctx context.Context, r *run, runErr error) error {
	if ctx.Err() != nil {
		runErr = cancellation(ctx)
	}
	writeCtx := context.WithoutCancel(ctx)

	if runErr == nil {
		st, err := o.store.CommitDetection(writeCtx, state.DetectionCommit{
			StartIndex:     r.startIndex,
			FilesProcessed: r.result.FilesProcessed,
			Exposures:      r.result.Exposures,
			Policy:         r.result.Policy,
			At:             o.now(),
		})
		if err == nil {
			r.current = st.Exposures
			o.metrics.SetCursor(st.NextFileIndex)
			o.metrics.SetExposuresTotal(len(st.Exposures))
			return nil
		}
		runErr = wrapRun(KindStorage, "commit detection", err)
	}

	r.current = r.previous
	if err := o.store.RecordDetectionFailure(writeCtx, runErr.Error()); err != nil {
		o.logger.Error().Err(err).Msg("failed to record detection failure")
	}
	return runErr
}

func (o *Orchestrator) observe(r *run, err error) Report {
	finished := o.now()
	duration := finished.Sub(r.started)
	success := err == nil

	o.metrics.ObserveRunDuration(duration)
	if success {
		o.metrics.IncRuns("success")
		o.metrics.SetLastSuccessfulRun(finished)
		o.logger.Info().
			Str("version", o.adapter.Version().String()).
			Int("start_index", r.startIndex).
			Int("files", r.result.FilesProcessed).
			Int("new_results", len(r.result.Exposures)).
			Str("policy", string(r.result.Policy)).
			Int("exposures", len(r.current)).
			Dur("duration", duration).
			Msg("exposure detection finished")
	} else {
		o.metrics.IncRuns(string(KindOf(err)))
		o.logger.Warn().
			Err(err).
			Str("kind", string(KindOf(err))).
			Int("start_index", r.startIndex).
			Int("files_downloaded", len(r.downloaded())).
			Dur("duration", duration).
			Msg("exposure detection failed")
	}
	if o.tracker != nil {
		o.tracker.RecordRun(duration, success)
	}

	report := Report{
		Success:    success,
		Err:        err,
		Started:    r.started,
		Duration:   duration,
		StartIndex: r.startIndex,
		Previous:   r.previous,
		Current:    r.current,
	}
	if success {
		report.FilesProcessed = r.result.FilesProcessed
	}
	return report
}
