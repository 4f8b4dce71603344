package healthcheck

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestHealthHandlerHealthy(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordRun(150*time.Millisecond, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthHandler(tracker, 5*time.Second)
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload Report
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != StatusOK || payload.StaleAfter == nil {
		t.Fatalf("unexpected report %+v", payload)
	}
	if !payload.StaleAfter.Equal(payload.LastRunTime.Add(10 * time.Second)) {
		t.Fatalf("expected stale after two poll intervals, got %v", payload.StaleAfter)
	}
	if payload.LastRunTime == nil || payload.LastSuccessTime == nil {
		t.Fatalf("expected run times to be set")
	}
	if !payload.LastRunSucceeded {
		t.Fatalf("expected last run succeeded")
	}
	if payload.RunDurationMS != 150 {
		t.Fatalf("expected duration 150ms, got %d", payload.RunDurationMS)
	}
}

func TestHealthHandlerUnhealthyWhenStale(t *testing.T) {
	tracker := NewTracker()
	tracker.now = func() time.Time { return time.Now().Add(-10 * time.Second) }
	tracker.RecordRun(10*time.Millisecond, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthHandler(tracker, 3*time.Second)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload Report
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != StatusStale {
		t.Fatalf("expected stale status, got %q", payload.Status)
	}
}

func TestHealthHandlerStartingBeforeFirstRun(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(NewTracker(), time.Minute)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload Report
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != StatusStarting || payload.StaleAfter != nil {
		t.Fatalf("unexpected report %+v", payload)
	}
}

func TestReadyHandler(t *testing.T) {
	tracker := NewTracker()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	handler := ReadyHandler(tracker)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	tracker.RecordRun(5*time.Millisecond, false)
	rec = httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after a failed run, got %d", rec.Code)
	}
}

func TestTrackerCountsConsecutiveFailures(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordRun(time.Millisecond, false)
	tracker.RecordRun(time.Millisecond, false)

	snap := tracker.Snapshot()
	if snap.ConsecutiveFailures != 2 || snap.LastRunSucceeded || snap.LastSuccessTime != nil {
		t.Fatalf("unexpected snapshot after failures: %+v", snap)
	}

	tracker.RecordRun(time.Millisecond, true)
	if snap := tracker.Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", snap.ConsecutiveFailures)
	}
}

func TestNilTracker(t *testing.T) {
	var tracker *Tracker
	tracker.RecordRun(time.Second, true)
	if tracker.Ready() || tracker.Healthy(time.Now(), time.Minute) {
		t.Fatal("nil tracker must report not ready and unhealthy")
	}

	rec := httptest.NewRecorder()
	ReadyHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
