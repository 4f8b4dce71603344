package transition

import (
	"sort"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

// ExposureChange captures how the exposure history moved between snapshots.
// Exposures are compared by calendar day, counting duplicates.
type ExposureChange struct {
	Added   []exposure.Exposure
	Removed []exposure.Exposure
}

// Empty reports whether nothing was added or removed.
func (c ExposureChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// DetectExposureChanges compares a previous history with the current one.
func DetectExposureChanges(prev, current []exposure.Exposure) ExposureChange {
	prevCounts := countByDay(prev)
	currentCounts := countByDay(current)

	change := ExposureChange{
		Added:   make([]exposure.Exposure, 0),
		Removed: make([]exposure.Exposure, 0),
	}
	for day, n := range currentCounts {
		for i := prevCounts[day]; i < n; i++ {
			change.Added = append(change.Added, exposure.Exposure{Date: dayTime(day)})
		}
	}
	for day, n := range prevCounts {
		for i := currentCounts[day]; i < n; i++ {
			change.Removed = append(change.Removed, exposure.Exposure{Date: dayTime(day)})
		}
	}

	exposure.SortByDate(change.Added)
	exposure.SortByDate(change.Removed)
	return change
}

// NewExposures returns the exposures present in current but not in prev.
func NewExposures(prev, current []exposure.Exposure) []exposure.Exposure {
	return DetectExposureChanges(prev, current).Added
}

// ErrorTransition describes a change of the last detection error.
type ErrorTransition struct {
	Previous string
	Current  string
	Cleared  bool
}

// DetectErrorTransition returns nil when the last error did not change.
func DetectErrorTransition(prev, current *string) *ErrorTransition {
	var prevText, currentText string
	if prev != nil {
		prevText = *prev
	}
	if current != nil {
		currentText = *current
	}
	if (prev == nil) == (current == nil) && prevText == currentText {
		return nil
	}
	return &ErrorTransition{
		Previous: prevText,
		Current:  currentText,
		Cleared:  current == nil,
	}
}

func countByDay(exposures []exposure.Exposure) map[int64]int {
	counts := make(map[int64]int, len(exposures))
	for _, e := range exposures {
		counts[exposure.Day(e.Date).Unix()]++
	}
	return counts
}

func dayTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}

// Days returns the distinct days in exposures, ascending.
func Days(exposures []exposure.Exposure) []time.Time {
	counts := countByDay(exposures)
	days := make([]time.Time, 0, len(counts))
	for day := range counts {
		days = append(days, dayTime(day))
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}
