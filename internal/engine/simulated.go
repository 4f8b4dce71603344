package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

const maxWindowDuration = 30 * time.Minute

// Simulated is an in-process engine. It matches published keys against a set
// of keys observed nearby. When the capability offers windows outside the
// activity callback, windows accumulate across detections the way the newest
// platform engine caches them: one entry per matched key and day, however
// often the file holding the key is processed.
type Simulated struct {
	capability Capability

	mu             sync.Mutex
	authorization  AuthorizationStatus
	status         Status
	observed       map[string]struct{}
	localKeys      []exposure.TemporaryExposureKey
	cached         map[string]Window
	last           []Window
	detectErr      error
	preAuthorized  bool
	handler        func(ActivityFlags)
	detectionCount int
}

var (
	_ Engine        = (*Simulated)(nil)
	_ Reactive      = (*Simulated)(nil)
	_ PreAuthorizer = (*Simulated)(nil)
)

// NewSimulated returns an authorized, active engine reporting capability.
func NewSimulated(capability Capability) *Simulated {
	return &Simulated{
		capability:    capability,
		authorization: AuthorizationAuthorized,
		status:        StatusActive,
		observed:      make(map[string]struct{}),
		cached:        make(map[string]Window),
	}
}

func (s *Simulated) Capability() Capability { return s.capability }

func (s *Simulated) AuthorizationStatus() AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorization
}

func (s *Simulated) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetAuthorization changes the reported authorization status.
func (s *Simulated) SetAuthorization(status AuthorizationStatus) {
	s.mu.Lock()
	s.authorization = status
	s.mu.Unlock()
}

// SetStatus changes the reported engine status.
func (s *Simulated) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Observe records keys as seen nearby; published files containing them match.
func (s *Simulated) Observe(keys ...exposure.TemporaryExposureKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.observed[hex.EncodeToString(key.KeyData)] = struct{}{}
	}
}

// SetLocalKeys sets the keys this device would publish after a positive test.
func (s *Simulated) SetLocalKeys(keys []exposure.TemporaryExposureKey) {
	s.mu.Lock()
	s.localKeys = append([]exposure.TemporaryExposureKey(nil), keys...)
	s.mu.Unlock()
}

// FailDetections makes every following detection return err. Nil clears it.
func (s *Simulated) FailDetections(err error) {
	s.mu.Lock()
	s.detectErr = err
	s.mu.Unlock()
}

// Detections returns how many detections completed.
func (s *Simulated) Detections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectionCount
}

func (s *Simulated) DetectExposures(ctx context.Context, _ exposure.Configuration, files []string) (Summary, error) {
	if err := s.ready(); err != nil {
		return Summary{}, err
	}
	s.mu.Lock()
	detectErr := s.detectErr
	s.mu.Unlock()
	if detectErr != nil {
		return Summary{}, detectErr
	}

	var matched []matchedWindow
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Summary{}, fmt.Errorf("read key file: %w", err)
		}
		file, err := exposure.ParseKeyFile(data)
		if err != nil {
			return Summary{}, err
		}
		matched = append(matched, s.match(file.Keys)...)
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = make([]Window, 0, len(matched))
	for _, m := range matched {
		s.last = append(s.last, m.window)
		// A key matched again in a reprocessed file is the same exposure.
		s.cached[m.id] = m.window
	}
	s.detectionCount++
	return summarize(s.last, time.Now()), nil
}

func (s *Simulated) ExposureInfo(ctx context.Context, _ Summary) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.last))
	for _, w := range s.last {
		infos = append(infos, Info{
			Date:                  w.Date,
			Duration:              w.Duration,
			TransmissionRiskLevel: uint8(w.Infectiousness),
			TotalRiskScore:        uint8(w.Infectiousness),
		})
	}
	return infos, nil
}

func (s *Simulated) ExposureWindows(ctx context.Context, _ Summary) ([]Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capability.ExposureWindows && !s.capability.ActivityHandler {
		return s.cachedWindows(), nil
	}
	return append([]Window(nil), s.last...), nil
}

func (s *Simulated) DiagnosisKeys(ctx context.Context) ([]exposure.TemporaryExposureKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exposure.TemporaryExposureKey(nil), s.localKeys...), nil
}

// TestDiagnosisKeys returns the local keys including the current day's key.
func (s *Simulated) TestDiagnosisKeys(ctx context.Context) ([]exposure.TemporaryExposureKey, error) {
	keys, err := s.DiagnosisKeys(ctx)
	if err != nil {
		return nil, err
	}
	today := exposure.TemporaryExposureKey{
		KeyData:            []byte(fmt.Sprintf("test-%d", exposure.RollingStartNumber(time.Now()))),
		RollingStartNumber: exposure.RollingStartNumber(exposure.Day(time.Now())),
		RollingPeriod:      144,
	}
	return append(keys, today), nil
}

func (s *Simulated) PreAuthorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	s.preAuthorized = true
	s.mu.Unlock()
	return nil
}

// ReleasePreAuthorized returns the local keys once after PreAuthorize.
func (s *Simulated) ReleasePreAuthorized(ctx context.Context) ([]exposure.TemporaryExposureKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.preAuthorized {
		return nil, ErrNotPreAuthorized
	}
	s.preAuthorized = false
	return append([]exposure.TemporaryExposureKey(nil), s.localKeys...), nil
}

func (s *Simulated) SetActivityHandler(handler func(ActivityFlags)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// TriggerActivity invokes the registered activity handler, if any.
func (s *Simulated) TriggerActivity(flags ActivityFlags) bool {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(flags)
	return true
}

// RunActivity fires a periodic-run activity every interval until ctx ends.
func (s *Simulated) RunActivity(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TriggerActivity(ActivityPeriodicRun)
		}
	}
}

func (s *Simulated) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capability == (Capability{}) {
		return ErrUnsupported
	}
	if s.authorization != AuthorizationAuthorized {
		return ErrNotAuthorized
	}
	return nil
}

type matchedWindow struct {
	id     string
	window Window
}

// match returns one window per observed key, identified by key data and day.
// Caller must not hold s.mu.
func (s *Simulated) match(keys []exposure.TemporaryExposureKey) []matchedWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	var windows []matchedWindow
	for _, key := range keys {
		keyID := hex.EncodeToString(key.KeyData)
		if _, ok := s.observed[keyID]; !ok {
			continue
		}
		duration := time.Duration(key.RollingPeriod) * 10 * time.Minute
		if duration <= 0 || duration > maxWindowDuration {
			duration = maxWindowDuration
		}
		day := exposure.Day(key.StartTime())
		windows = append(windows, matchedWindow{
			id: keyID + "/" + day.Format(time.DateOnly),
			window: Window{
				Date:           day,
				Infectiousness: int(key.TransmissionRiskLevel),
				Duration:       duration,
			},
		})
	}
	return windows
}

// cachedWindows returns the cache in date order. Caller must hold s.mu.
func (s *Simulated) cachedWindows() []Window {
	windows := make([]Window, 0, len(s.cached))
	for _, w := range s.cached {
		windows = append(windows, w)
	}
	sort.SliceStable(windows, func(i, j int) bool {
		if !windows[i].Date.Equal(windows[j].Date) {
			return windows[i].Date.Before(windows[j].Date)
		}
		return windows[i].Infectiousness < windows[j].Infectiousness
	})
	return windows
}

func summarize(windows []Window, now time.Time) Summary {
	summary := Summary{MatchedKeyCount: len(windows)}
	if len(windows) == 0 {
		return summary
	}
	latest := windows[0].Date
	for _, w := range windows {
		if w.Date.After(latest) {
			latest = w.Date
		}
		if score := uint8(w.Infectiousness); score > summary.MaximumRiskScore {
			summary.MaximumRiskScore = score
		}
	}
	summary.DaysSinceLastExposure = int(exposure.Day(now).Sub(latest).Hours() / 24)
	return summary
}
