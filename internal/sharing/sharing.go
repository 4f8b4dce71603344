package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/rs/zerolog"
)

// Failure kinds reported by ShareError.
const (
	KindNetwork = "network"
	KindEngine  = "engine"
	KindStorage = "storage"
)

// ShareError reports which stage of a key share failed.
type ShareError struct {
	Kind string
	Op   string
	Err  error
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ShareError) Unwrap() error {
	return e.Err
}

func wrapShare(kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ShareError{Kind: kind, Op: op, Err: err}
}

// Submitter publishes diagnosis keys.
type Submitter interface {
	SubmitKeys(ctx context.Context, keys []exposure.TemporaryExposureKey) error
}

// TestResults is the part of the state store that holds test results.
type TestResults interface {
	TestResult(ctx context.Context, id string) (exposure.TestResult, error)
	PutTestResult(ctx context.Context, result exposure.TestResult) error
	MarkShared(ctx context.Context, id string) error
}

// Service shares this device's keys after a positive test.
type Service struct {
	engine    engine.Engine
	submitter Submitter
	results   TestResults
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs a Service.
func New(e engine.Engine, submitter Submitter, results TestResults, logger zerolog.Logger) *Service {
	return &Service{
		engine:    e,
		submitter: submitter,
		results:   results,
		logger:    logger,
		now:       time.Now,
	}
}

// ShareTestResult submits the device keys for a positive test result and marks
// it shared. Sharing an already shared result is a no-op.
func (s *Service) ShareTestResult(ctx context.Context, id string) error {
	result, err := s.results.TestResult(ctx, id)
	if err != nil {
		return wrapShare(KindStorage, "load test result", err)
	}
	if result.IsShared {
		s.logger.Info().Str("test_result", id).Msg("test result already shared")
		return nil
	}

	keys, err := s.engine.DiagnosisKeys(ctx)
	if err != nil {
		return wrapShare(KindEngine, "get diagnosis keys", err)
	}
	if len(keys) == 0 {
		return wrapShare(KindEngine, "get diagnosis keys", keyserver.ErrNoKeys)
	}
	if err := s.submitter.SubmitKeys(ctx, keys); err != nil {
		return wrapShare(KindNetwork, "submit diagnosis keys", err)
	}
	if err := s.results.MarkShared(context.WithoutCancel(ctx), id); err != nil {
		return wrapShare(KindStorage, "mark test result shared", err)
	}

	s.logger.Info().Str("test_result", id).Int("keys", len(keys)).Msg("diagnosis keys shared")
	return nil
}

// ShareTestKeys submits the keys including the current day's key.
func (s *Service) ShareTestKeys(ctx context.Context) error {
	keys, err := s.engine.TestDiagnosisKeys(ctx)
	if err != nil {
		return wrapShare(KindEngine, "get test diagnosis keys", err)
	}
	if err := s.submitter.SubmitKeys(ctx, keys); err != nil {
		return wrapShare(KindNetwork, "submit test diagnosis keys", err)
	}
	s.logger.Info().Int("keys", len(keys)).Msg("test diagnosis keys shared")
	return nil
}

// PreAuthorize asks the engine to approve a later key release.
func (s *Service) PreAuthorize(ctx context.Context) error {
	pre, ok := s.engine.(engine.PreAuthorizer)
	if !ok {
		return wrapShare(KindEngine, "pre-authorize keys", engine.ErrUnsupported)
	}
	if err := pre.PreAuthorize(ctx); err != nil {
		return wrapShare(KindEngine, "pre-authorize keys", err)
	}
	s.logger.Info().Msg("diagnosis keys pre-authorized")
	return nil
}

// ReleasePreAuthorized submits the keys approved by PreAuthorize. The approval
// is consumed by the release.
func (s *Service) ReleasePreAuthorized(ctx context.Context) error {
	pre, ok := s.engine.(engine.PreAuthorizer)
	if !ok {
		return wrapShare(KindEngine, "release pre-authorized keys", engine.ErrUnsupported)
	}
	keys, err := pre.ReleasePreAuthorized(ctx)
	if err != nil {
		return wrapShare(KindEngine, "release pre-authorized keys", err)
	}
	if err := s.submitter.SubmitKeys(ctx, keys); err != nil {
		return wrapShare(KindNetwork, "submit pre-authorized keys", err)
	}
	s.logger.Info().Int("keys", len(keys)).Msg("pre-authorized diagnosis keys shared")
	return nil
}

// SimulatePositiveDiagnosis records a new unshared positive test administered
// up to daysAgo days in the past.
func (s *Service) SimulatePositiveDiagnosis(ctx context.Context, daysAgo int) (exposure.TestResult, error) {
	if daysAgo < 0 {
		return exposure.TestResult{}, errors.New("days ago must not be negative")
	}
	result := exposure.TestResult{
		ID:               uuid.NewString(),
		IsAdded:          true,
		DateAdministered: s.now().UTC().AddDate(0, 0, -daysAgo),
	}
	if err := s.results.PutTestResult(ctx, result); err != nil {
		return exposure.TestResult{}, wrapShare(KindStorage, "store test result", err)
	}
	return result, nil
}
