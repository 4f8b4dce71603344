package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

// Result is the normalized outcome of one detection.
type Result struct {
	Exposures      []exposure.Exposure
	Policy         exposure.MergePolicy
	FilesProcessed int
}

// Adapter computes exposures through one API generation.
type Adapter interface {
	Version() Version
	Compute(ctx context.Context, files []string, cfg exposure.Configuration) (Result, error)
}

// NewAdapter returns the strategy for version. The legacy strategy requires an
// engine that implements Reactive.
func NewAdapter(e Engine, version Version) (Adapter, error) {
	if e == nil {
		return nil, errors.New("engine is nil")
	}
	switch version {
	case VersionWindows:
		return &windowsAdapter{engine: e}, nil
	case VersionInfo:
		return &infoAdapter{engine: e}, nil
	case VersionLegacy:
		reactive, ok := e.(Reactive)
		if !ok {
			return nil, errors.New("legacy engine must accept an activity handler")
		}
		return &legacyAdapter{engine: e, reactive: reactive}, nil
	default:
		return nil, ErrUnsupported
	}
}

type windowsAdapter struct {
	engine Engine
}

func (a *windowsAdapter) Version() Version { return VersionWindows }

func (a *windowsAdapter) Compute(ctx context.Context, files []string, cfg exposure.Configuration) (Result, error) {
	exposures, err := windowExposures(ctx, a.engine, files, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{Exposures: exposures, Policy: exposure.MergeReplace, FilesProcessed: len(files)}, nil
}

type infoAdapter struct {
	engine Engine
}

func (a *infoAdapter) Version() Version { return VersionInfo }

func (a *infoAdapter) Compute(ctx context.Context, files []string, cfg exposure.Configuration) (Result, error) {
	summary, err := detect(ctx, a.engine, files, cfg)
	if err != nil {
		return Result{}, err
	}
	infos, err := a.engine.ExposureInfo(ctx, summary)
	if err != nil {
		return Result{}, fmt.Errorf("get exposure info: %w", err)
	}
	exposures := make([]exposure.Exposure, 0, len(infos))
	for _, info := range infos {
		exposures = append(exposures, exposure.New(info.Date))
	}
	return Result{Exposures: exposures, Policy: exposure.MergeAppend, FilesProcessed: len(files)}, nil
}

// legacyAdapter reads windows like the newest generation, but the engine does
// not cache across detections so results accumulate.
type legacyAdapter struct {
	engine   Engine
	reactive Reactive
}

func (a *legacyAdapter) Version() Version { return VersionLegacy }

func (a *legacyAdapter) Compute(ctx context.Context, files []string, cfg exposure.Configuration) (Result, error) {
	exposures, err := windowExposures(ctx, a.engine, files, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{Exposures: exposures, Policy: exposure.MergeAppend, FilesProcessed: len(files)}, nil
}

func (a *legacyAdapter) SetActivityHandler(handler func(ActivityFlags)) {
	a.reactive.SetActivityHandler(handler)
}

func detect(ctx context.Context, e Engine, files []string, cfg exposure.Configuration) (Summary, error) {
	summary, err := e.DetectExposures(ctx, cfg, files)
	if err != nil {
		return Summary{}, fmt.Errorf("detect exposures: %w", err)
	}
	return summary, nil
}

func windowExposures(ctx context.Context, e Engine, files []string, cfg exposure.Configuration) ([]exposure.Exposure, error) {
	summary, err := detect(ctx, e, files, cfg)
	if err != nil {
		return nil, err
	}
	windows, err := e.ExposureWindows(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("get exposure windows: %w", err)
	}
	exposures := make([]exposure.Exposure, 0, len(windows))
	for _, window := range windows {
		exposures = append(exposures, exposure.New(window.Date))
	}
	return exposures, nil
}
