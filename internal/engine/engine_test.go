package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

type fakeEngine struct {
	summaryErr error
	infoErr    error
	windowErr  error
	infos      []Info
	windows    []Window
	files      []string
	handler    func(ActivityFlags)
}

func (f *fakeEngine) Capability() Capability { return Capability{ExposureWindows: true} }
func (f *fakeEngine) AuthorizationStatus() AuthorizationStatus { return AuthorizationAuthorized }
func (f *fakeEngine) Status() Status { return StatusActive }

func (f *fakeEngine) DetectExposures(_ context.Context, _ exposure.Configuration, files []string) (Summary, error) {
	f.files = files
	return Summary{MatchedKeyCount: len(f.windows)}, f.summaryErr
}

func (f *fakeEngine) ExposureInfo(context.Context, Summary) ([]Info, error) {
	return f.infos, f.infoErr
}

func (f *fakeEngine) ExposureWindows(context.Context, Summary) ([]Window, error) {
	return f.windows, f.windowErr
}

func (f *fakeEngine) DiagnosisKeys(context.Context) ([]exposure.TemporaryExposureKey, error) {
	return nil, nil
}

func (f *fakeEngine) TestDiagnosisKeys(context.Context) ([]exposure.TemporaryExposureKey, error) {
	return nil, nil
}

type reactiveFake struct {
	fakeEngine
}

func (f *reactiveFake) SetActivityHandler(h func(ActivityFlags)) { f.handler = h }

func day(n int) time.Time {
	return time.Date(2024, time.March, n, 15, 4, 0, 0, time.UTC)
}

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name       string
		capability Capability
		want       Version
	}{
		{"current", Capability{ExposureWindows: true, ExposureInfo: true}, VersionWindows},
		{"info only", Capability{ExposureInfo: true}, VersionInfo},
		{"activity callback", Capability{ExposureWindows: true, ActivityHandler: true}, VersionLegacy},
		{"nothing", Capability{}, VersionUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVersion(tt.capability); got != tt.want {
				t.Fatalf("DetectVersion() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	for name, want := range map[string]Version{
		"":            VersionWindows,
		"Current":     VersionWindows,
		" info ":      VersionInfo,
		"legacy":      VersionLegacy,
		"unsupported": VersionUnsupported,
	} {
		capability, err := ParsePlatform(name)
		if err != nil {
			t.Fatalf("ParsePlatform(%q): %v", name, err)
		}
		if got := DetectVersion(capability); got != want {
			t.Fatalf("ParsePlatform(%q) resolved %s, want %s", name, got, want)
		}
	}
	if _, err := ParsePlatform("android"); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestNewAdapter_Unsupported(t *testing.T) {
	if _, err := NewAdapter(&fakeEngine{}, VersionUnsupported); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := NewAdapter(&fakeEngine{}, VersionLegacy); err == nil {
		t.Fatal("expected error for legacy adapter without activity handler support")
	}
}

func TestAdapter_Policies(t *testing.T) {
	windows := []Window{{Date: day(3)}, {Date: day(1)}}
	infos := []Info{{Date: day(2)}}
	files := []string{"a.bin", "b.bin"}

	tests := []struct {
		version Version
		engine  Engine
		policy  exposure.MergePolicy
		count   int
	}{
		{VersionWindows, &fakeEngine{windows: windows}, exposure.MergeReplace, 2},
		{VersionInfo, &fakeEngine{infos: infos, windows: windows}, exposure.MergeAppend, 1},
		{VersionLegacy, &reactiveFake{fakeEngine{windows: windows}}, exposure.MergeAppend, 2},
	}
	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			adapter, err := NewAdapter(tt.engine, tt.version)
			if err != nil {
				t.Fatalf("new adapter: %v", err)
			}
			if adapter.Version() != tt.version {
				t.Fatalf("unexpected version %s", adapter.Version())
			}
			result, err := adapter.Compute(context.Background(), files, exposure.Configuration{})
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if result.Policy != tt.policy {
				t.Fatalf("expected policy %s, got %s", tt.policy, result.Policy)
			}
			if len(result.Exposures) != tt.count {
				t.Fatalf("expected %d exposures, got %d", tt.count, len(result.Exposures))
			}
			if result.FilesProcessed != len(files) {
				t.Fatalf("expected %d files processed, got %d", len(files), result.FilesProcessed)
			}
			for _, e := range result.Exposures {
				if !e.Date.Equal(exposure.Day(e.Date)) {
					t.Fatalf("exposure date not normalized: %v", e.Date)
				}
			}
		})
	}
}

func TestAdapter_SurfacesEngineErrors(t *testing.T) {
	boom := errors.New("engine exploded")
	tests := []struct {
		name    string
		version Version
		engine  *fakeEngine
	}{
		{"summary", VersionWindows, &fakeEngine{summaryErr: boom}},
		{"windows", VersionWindows, &fakeEngine{windowErr: boom}},
		{"info", VersionInfo, &fakeEngine{infoErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewAdapter(tt.engine, tt.version)
			if err != nil {
				t.Fatalf("new adapter: %v", err)
			}
			if _, err := adapter.Compute(context.Background(), nil, exposure.Configuration{}); !errors.Is(err, boom) {
				t.Fatalf("expected engine error, got %v", err)
			}
		})
	}
}

func TestLegacyAdapter_ForwardsActivityHandler(t *testing.T) {
	fake := &reactiveFake{}
	adapter, err := NewAdapter(fake, VersionLegacy)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	reactive, ok := adapter.(Reactive)
	if !ok {
		t.Fatal("legacy adapter should be reactive")
	}

	var got ActivityFlags
	reactive.SetActivityHandler(func(flags ActivityFlags) { got = flags })
	fake.handler(ActivityPeriodicRun)
	if !got.Has(ActivityPeriodicRun) {
		t.Fatalf("expected periodic run flag, got %v", got)
	}
}

func writeKeyFile(t *testing.T, dir string, index int, keys ...exposure.TemporaryExposureKey) string {
	t.Helper()
	data, err := exposure.EncodeKeyFile(exposure.KeyFile{Index: index, Keys: keys})
	if err != nil {
		t.Fatalf("encode key file: %v", err)
	}
	path := filepath.Join(dir, filepath.Base(t.Name())+"-"+string(rune('a'+index))+".bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestSimulated_MatchesObservedKeys(t *testing.T) {
	dir := t.TempDir()
	seen := exposure.TemporaryExposureKey{KeyData: []byte("seen"), RollingStartNumber: exposure.RollingStartNumber(day(4)), RollingPeriod: 144}
	other := exposure.TemporaryExposureKey{KeyData: []byte("other"), RollingStartNumber: exposure.RollingStartNumber(day(5))}

	later := exposure.TemporaryExposureKey{KeyData: []byte("later"), RollingStartNumber: exposure.RollingStartNumber(day(6))}

	sim := NewSimulated(Capability{ExposureWindows: true, ExposureInfo: true})
	sim.Observe(seen, later)

	first := writeKeyFile(t, dir, 0, seen, other)
	summary, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, []string{first})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if summary.MatchedKeyCount != 1 {
		t.Fatalf("expected 1 match, got %d", summary.MatchedKeyCount)
	}

	second := writeKeyFile(t, dir, 1, later)
	if _, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, []string{second}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	windows, err := sim.ExposureWindows(context.Background(), summary)
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected cumulative windows, got %d", len(windows))
	}
	if !windows[0].Date.Equal(exposure.Day(day(4))) {
		t.Fatalf("unexpected window date %v", windows[0].Date)
	}

	infos, err := sim.ExposureInfo(context.Background(), summary)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected info for the latest detection only, got %d", len(infos))
	}
	if sim.Detections() != 2 {
		t.Fatalf("expected 2 detections, got %d", sim.Detections())
	}
}

func TestSimulated_LegacyWindowsDoNotAccumulate(t *testing.T) {
	dir := t.TempDir()
	key := exposure.TemporaryExposureKey{KeyData: []byte("k")}
	sim := NewSimulated(Capability{ExposureWindows: true, ActivityHandler: true})
	sim.Observe(key)

	path := writeKeyFile(t, dir, 0, key)
	for i := 0; i < 2; i++ {
		if _, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, []string{path}); err != nil {
			t.Fatalf("detect: %v", err)
		}
	}
	windows, err := sim.ExposureWindows(context.Background(), Summary{})
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected only the latest windows, got %d", len(windows))
	}
}

func TestSimulated_ReprocessedFileDoesNotGrowCache(t *testing.T) {
	dir := t.TempDir()
	key := exposure.TemporaryExposureKey{KeyData: []byte("k"), RollingStartNumber: exposure.RollingStartNumber(day(3))}
	sim := NewSimulated(Capability{ExposureWindows: true})
	sim.Observe(key)

	path := writeKeyFile(t, dir, 0, key)
	for i := 0; i < 3; i++ {
		if _, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, []string{path}); err != nil {
			t.Fatalf("detect: %v", err)
		}
		windows, err := sim.ExposureWindows(context.Background(), Summary{})
		if err != nil {
			t.Fatalf("windows: %v", err)
		}
		if len(windows) != 1 {
			t.Fatalf("detection %d: expected 1 cached window, got %d", i+1, len(windows))
		}
	}

	adapter, err := NewAdapter(sim, VersionWindows)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	result, err := adapter.Compute(context.Background(), []string{path}, exposure.Configuration{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(result.Exposures) != 1 || result.Policy != exposure.MergeReplace {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSimulated_Errors(t *testing.T) {
	sim := NewSimulated(Capability{ExposureWindows: true})
	sim.SetAuthorization(AuthorizationNotAuthorized)
	if _, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	sim.SetAuthorization(AuthorizationAuthorized)
	boom := errors.New("boom")
	sim.FailDetections(boom)
	if _, err := sim.DetectExposures(context.Background(), exposure.Configuration{}, nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	sim.FailDetections(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeKeyFile(t, t.TempDir(), 0)
	if _, err := sim.DetectExposures(ctx, exposure.Configuration{}, []string{path}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	unsupported := NewSimulated(Capability{})
	if _, err := unsupported.DetectExposures(context.Background(), exposure.Configuration{}, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSimulated_PreAuthorizedRelease(t *testing.T) {
	sim := NewSimulated(Capability{ExposureWindows: true})
	sim.SetLocalKeys([]exposure.TemporaryExposureKey{{KeyData: []byte("mine")}})

	if _, err := sim.ReleasePreAuthorized(context.Background()); !errors.Is(err, ErrNotPreAuthorized) {
		t.Fatalf("expected ErrNotPreAuthorized, got %v", err)
	}
	if err := sim.PreAuthorize(context.Background()); err != nil {
		t.Fatalf("pre-authorize: %v", err)
	}
	keys, err := sim.ReleasePreAuthorized(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("unexpected release: %v %v", keys, err)
	}
	if _, err := sim.ReleasePreAuthorized(context.Background()); !errors.Is(err, ErrNotPreAuthorized) {
		t.Fatal("release should be single use")
	}
}

func TestSimulated_TriggerActivity(t *testing.T) {
	sim := NewSimulated(Capability{ExposureWindows: true, ActivityHandler: true})
	if sim.TriggerActivity(ActivityPeriodicRun) {
		t.Fatal("expected no handler")
	}
	calls := 0
	sim.SetActivityHandler(func(ActivityFlags) { calls++ })
	if !sim.TriggerActivity(ActivityPeriodicRun) || calls != 1 {
		t.Fatalf("expected handler call, got %d", calls)
	}
}
