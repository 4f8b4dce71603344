package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

var (
	ErrUnsupported   = errors.New("exposure detection is not supported on this platform")
	ErrNotAuthorized = errors.New("exposure notifications are not authorized")

	ErrNotPreAuthorized = errors.New("key release was not pre-authorized")
)

// AuthorizationStatus is the user's consent state for exposure notifications.
type AuthorizationStatus int

const (
	AuthorizationUnknown AuthorizationStatus = iota
	AuthorizationRestricted
	AuthorizationNotAuthorized
	AuthorizationAuthorized
)

func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationNotAuthorized:
		return "not_authorized"
	case AuthorizationAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Status is the running state of the engine.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusDisabled
	StatusBluetoothOff
	StatusRestricted
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	case StatusBluetoothOff:
		return "bluetooth_off"
	case StatusRestricted:
		return "restricted"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ActivityFlags describe why the engine invoked the activity handler.
type ActivityFlags uint32

const (
	ActivityReserved ActivityFlags = 1 << iota
	ActivityPeriodicRun
)

// Has reports whether every bit of flag is set.
func (f ActivityFlags) Has(flag ActivityFlags) bool {
	return f&flag == flag
}

// Summary aggregates one detection call.
type Summary struct {
	DaysSinceLastExposure int
	MatchedKeyCount       int
	MaximumRiskScore      uint8
}

// Info is one per-exposure detail record.
type Info struct {
	Date                  time.Time
	Duration              time.Duration
	AttenuationValue      uint8
	TransmissionRiskLevel uint8
	TotalRiskScore        uint8
}

// Window is one exposure window.
type Window struct {
	Date           time.Time
	Infectiousness int
	ReportType     int
	Duration       time.Duration
}

// Engine is the platform matching capability. Implementations must honor
// ctx cancellation on the blocking calls.
type Engine interface {
	Capability() Capability
	AuthorizationStatus() AuthorizationStatus
	Status() Status
	DetectExposures(ctx context.Context, cfg exposure.Configuration, files []string) (Summary, error)
	ExposureInfo(ctx context.Context, summary Summary) ([]Info, error)
	ExposureWindows(ctx context.Context, summary Summary) ([]Window, error)
	DiagnosisKeys(ctx context.Context) ([]exposure.TemporaryExposureKey, error)
	TestDiagnosisKeys(ctx context.Context) ([]exposure.TemporaryExposureKey, error)
}

// Reactive is implemented by engines that drive detection through a
// periodic callback instead of an external scheduler.
type Reactive interface {
	SetActivityHandler(handler func(ActivityFlags))
}

// PreAuthorizer is implemented by engines that can release keys the user
// approved ahead of time.
type PreAuthorizer interface {
	PreAuthorize(ctx context.Context) error
	ReleasePreAuthorized(ctx context.Context) ([]exposure.TemporaryExposureKey, error)
}
