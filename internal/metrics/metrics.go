package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for exposure-sentinel.
type Metrics struct {
	registry               *prometheus.Registry
	runDurationSeconds     prometheus.Histogram
	runsTotal              *prometheus.CounterVec
	downloadErrorsTotal    prometheus.Counter
	exposuresTotal         prometheus.Gauge
	cursorGauge            prometheus.Gauge
	lastSuccessfulRunGauge prometheus.Gauge
	notificationsTotal     *prometheus.CounterVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exposure_sentinel_run_duration_seconds",
			Help:    "Duration of exposure detection runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 210},
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_sentinel_runs_total",
			Help: "Detection runs by outcome.",
		}, []string{"outcome"}),
		downloadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exposure_sentinel_download_errors_total",
			Help: "Key file downloads that failed after retries.",
		}),
		exposuresTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exposure_sentinel_exposures",
			Help: "Exposures in the persisted history.",
		}),
		cursorGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exposure_sentinel_next_file_index",
			Help: "Index of the next key file to process.",
		}),
		lastSuccessfulRunGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exposure_sentinel_last_successful_run_timestamp",
			Help: "Unix timestamp of the last successful detection run.",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_sentinel_notifications_total",
			Help: "Notifications sent by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.runDurationSeconds,
		m.runsTotal,
		m.downloadErrorsTotal,
		m.exposuresTotal,
		m.cursorGauge,
		m.lastSuccessfulRunGauge,
		m.notificationsTotal,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRunDuration records the duration of a finished run.
func (m *Metrics) ObserveRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.runDurationSeconds.Observe(duration.Seconds())
}

// IncRuns counts a run with the given outcome (success, rejected or a failure kind).
func (m *Metrics) IncRuns(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}

// IncDownloadErrors increments the download error counter.
func (m *Metrics) IncDownloadErrors() {
	if m == nil {
		return
	}
	m.downloadErrorsTotal.Inc()
}

// SetExposuresTotal sets the persisted exposure count.
func (m *Metrics) SetExposuresTotal(n int) {
	if m == nil {
		return
	}
	m.exposuresTotal.Set(float64(n))
}

// SetCursor sets the pagination cursor gauge.
func (m *Metrics) SetCursor(index int) {
	if m == nil {
		return
	}
	m.cursorGauge.Set(float64(index))
}

// SetLastSuccessfulRun sets the last successful run time.
func (m *Metrics) SetLastSuccessfulRun(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulRunGauge.Set(float64(t.Unix()))
}

// IncNotifications counts a notification delivery attempt.
func (m *Metrics) IncNotifications(result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(result).Inc()
}

// DownloadErrors exposes the download error counter for inspection.
func (m *Metrics) DownloadErrors() prometheus.Collector { return m.downloadErrorsTotal }

// Cursor exposes the cursor gauge for inspection.
func (m *Metrics) Cursor() prometheus.Collector { return m.cursorGauge }

// ExposuresTotal exposes the exposure gauge for inspection.
func (m *Metrics) ExposuresTotal() prometheus.Collector { return m.exposuresTotal }

// Notifications exposes the notification counter for one result.
func (m *Metrics) Notifications(result string) prometheus.Collector {
	return m.notificationsTotal.WithLabelValues(result)
}
