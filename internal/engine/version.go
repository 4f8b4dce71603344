package engine

import (
	"fmt"
	"strings"
)

// Version identifies which generation of the detection API the platform offers.
type Version int

const (
	VersionUnsupported Version = iota
	// VersionLegacy is driven by the engine's periodic activity callback and
	// reports exposure windows that must be appended.
	VersionLegacy
	// VersionInfo reports per-exposure detail records that must be appended.
	VersionInfo
	// VersionWindows reports the engine's cumulative cached windows, which
	// replace the persisted history.
	VersionWindows
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "legacy"
	case VersionInfo:
		return "info"
	case VersionWindows:
		return "windows"
	default:
		return "unsupported"
	}
}

// Capability is what the platform reports about its detection engine.
type Capability struct {
	ExposureWindows bool
	ExposureInfo    bool
	// ActivityHandler is set when the engine schedules detection itself
	// through a registered periodic callback.
	ActivityHandler bool
}

// DetectVersion resolves the newest API generation the capability supports.
// A platform that only offers windows through the activity callback is legacy.
func DetectVersion(c Capability) Version {
	switch {
	case c.ExposureWindows && !c.ActivityHandler:
		return VersionWindows
	case c.ExposureInfo:
		return VersionInfo
	case c.ActivityHandler:
		return VersionLegacy
	default:
		return VersionUnsupported
	}
}

// ParsePlatform maps a platform name to the capability it reports.
// Accepted names are current, info, legacy and unsupported.
func ParsePlatform(name string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "current", "windows":
		return Capability{ExposureWindows: true, ExposureInfo: true}, nil
	case "info":
		return Capability{ExposureInfo: true}, nil
	case "legacy":
		return Capability{ExposureWindows: true, ActivityHandler: true}, nil
	case "unsupported", "none":
		return Capability{}, nil
	default:
		return Capability{}, fmt.Errorf("unknown engine platform %q", name)
	}
}
