package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest detection run.
type Snapshot struct {
	LastRunTime         *time.Time `json:"last_run_time"`
	LastSuccessTime     *time.Time `json:"last_success_time,omitempty"`
	RunDurationMS       int64      `json:"run_duration_ms"`
	LastRunSucceeded    bool       `json:"last_run_succeeded"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Tracker records detection runs for health endpoints.
type Tracker struct {
	mu           sync.RWMutex
	now          func() time.Time
	lastRun      time.Time
	lastSuccess  time.Time
	runDuration  time.Duration
	succeeded    bool
	failureCount int
	ready        bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordRun updates run timing and readiness.
func (t *Tracker) RecordRun(duration time.Duration, success bool) {
	if t == nil {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	t.lastRun = now
	t.runDuration = duration
	t.succeeded = success
	if success {
		t.lastSuccess = now
		t.failureCount = 0
	} else {
		t.failureCount++
	}
	t.ready = true
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		LastRunTime:         timePtr(t.lastRun),
		LastSuccessTime:     timePtr(t.lastSuccess),
		RunDurationMS:       int64(t.runDuration / time.Millisecond),
		LastRunSucceeded:    t.succeeded,
		ConsecutiveFailures: t.failureCount,
	}
}

// Ready reports whether at least one run has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last run completed within 2x the poll interval.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastRun.IsZero() {
		return false
	}
	return now.Sub(t.lastRun) <= 2*pollInterval
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
