package healthcheck

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Detection health states reported in Report.Status.
const (
	StatusStarting = "starting"
	StatusOK       = "ok"
	StatusStale    = "stale"
)

// Report is the body served by the health endpoints.
type Report struct {
	Status string `json:"status"`
	Snapshot
	// StaleAfter is when the service turns unhealthy if no further run completes.
	StaleAfter *time.Time `json:"stale_after,omitempty"`
}

// HealthHandler serves /healthz. The service is healthy while the last
// detection run finished within two poll intervals.
func HealthHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := buildReport(tracker, pollInterval, time.Now().UTC())
		status := http.StatusServiceUnavailable
		if report.Status == StatusOK {
			status = http.StatusOK
		}
		writeJSON(w, status, report)
	}
}

// ReadyHandler serves /readyz: ready once any run, failed or not, completed.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Ready() {
			status = http.StatusOK
		}
		writeJSON(w, status, Report{Status: readiness(tracker), Snapshot: tracker.Snapshot()})
	}
}

func buildReport(tracker *Tracker, pollInterval time.Duration, now time.Time) Report {
	report := Report{Status: StatusStarting, Snapshot: tracker.Snapshot()}
	if report.LastRunTime == nil {
		return report
	}
	if pollInterval > 0 {
		staleAfter := report.LastRunTime.Add(2 * pollInterval)
		report.StaleAfter = &staleAfter
	}
	report.Status = StatusStale
	if tracker.Healthy(now, pollInterval) {
		report.Status = StatusOK
	}
	return report
}

func readiness(tracker *Tracker) string {
	if tracker.Ready() {
		return StatusOK
	}
	return StatusStarting
}

func writeJSON(w http.ResponseWriter, status int, payload Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
