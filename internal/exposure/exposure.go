package exposure

import (
	"sort"
	"time"
)

// Exposure is a possible proximity event reported by the matching engine.
type Exposure struct {
	Date time.Time `json:"date"`
}

// New returns an exposure for the calendar day containing t (UTC).
func New(t time.Time) Exposure {
	return Exposure{Date: Day(t)}
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MergePolicy controls how a run's exposures combine with persisted history.
type MergePolicy string

const (
	// MergeAppend adds the batch to existing history.
	MergeAppend MergePolicy = "append"
	// MergeReplace discards existing history; the batch is the engine's cumulative state.
	MergeReplace MergePolicy = "replace"
)

// Merge combines existing history with a new batch and returns a new slice sorted by date.
// Neither input is modified.
func Merge(existing, batch []Exposure, policy MergePolicy) []Exposure {
	var merged []Exposure
	switch policy {
	case MergeReplace:
		merged = make([]Exposure, 0, len(batch))
		merged = append(merged, batch...)
	default:
		merged = make([]Exposure, 0, len(existing)+len(batch))
		merged = append(merged, existing...)
		merged = append(merged, batch...)
	}
	SortByDate(merged)
	return merged
}

// SortByDate sorts exposures ascending by date, keeping equal dates in input order.
func SortByDate(exposures []Exposure) {
	sort.SliceStable(exposures, func(i, j int) bool {
		return exposures[i].Date.Before(exposures[j].Date)
	})
}

// TestResult is a positive diagnosis entered by the user.
type TestResult struct {
	ID               string    `json:"id"`
	IsAdded          bool      `json:"is_added"`
	DateAdministered time.Time `json:"date_administered"`
	IsShared         bool      `json:"is_shared"`
}

// TemporaryExposureKey is a diagnosis key as published to the key service.
type TemporaryExposureKey struct {
	KeyData               []byte `json:"key_data"`
	RollingStartNumber    uint32 `json:"rolling_start_number"`
	RollingPeriod         uint32 `json:"rolling_period"`
	TransmissionRiskLevel uint8  `json:"transmission_risk_level"`
}

// rollingInterval is the length of one rolling start number unit.
const rollingInterval = 10 * time.Minute

// StartTime returns the wall-clock start of the key's validity window.
func (k TemporaryExposureKey) StartTime() time.Time {
	return time.Unix(int64(k.RollingStartNumber)*int64(rollingInterval/time.Second), 0).UTC()
}

// RollingStartNumber returns the rolling start number for t.
func RollingStartNumber(t time.Time) uint32 {
	return uint32(t.Unix() / int64(rollingInterval/time.Second))
}
