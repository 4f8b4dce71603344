package keyserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
)

func testConfiguration() exposure.Configuration {
	return exposure.Configuration{
		MinimumRiskScore:              1,
		AttenuationDurationThresholds: []int{50, 70},
		ImmediateDurationWeight:       100,
		NearDurationWeight:            100,
		MediumDurationWeight:          100,
		OtherDurationWeight:           100,
	}
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithDownloadDir(t.TempDir()),
		WithRetryDelay(5 * time.Millisecond),
		WithRateLimit(1000, 1000),
	}, opts...)
	client, err := NewClient(url, time.Second, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func seededServer(t *testing.T, files int, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(zerolog.Nop(), testConfiguration(), opts...)
	for i := 0; i < files; i++ {
		key := exposure.TemporaryExposureKey{KeyData: []byte{byte(i), 1, 2, 3}, RollingPeriod: 144}
		if _, err := srv.AddKeys([]exposure.TemporaryExposureKey{key}); err != nil {
			t.Fatalf("add keys: %v", err)
		}
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func TestNewClient_Validation(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		timeout time.Duration
	}{
		{"empty url", "", time.Second},
		{"missing scheme", "example.com/keys", time.Second},
		{"zero timeout", "https://example.com", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.url, tc.timeout); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClient_ListFiles_FollowsPages(t *testing.T) {
	_, httpSrv := seededServer(t, 7, WithPageSize(2))
	client := newTestClient(t, httpSrv.URL)

	refs, err := client.ListFiles(context.Background(), 2)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(refs) != 5 {
		t.Fatalf("expected 5 refs, got %d: %+v", len(refs), refs)
	}
	for i, ref := range refs {
		if ref.Index != i+2 {
			t.Fatalf("unexpected index at %d: %d", i, ref.Index)
		}
		if !strings.HasPrefix(ref.URL, httpSrv.URL) {
			t.Fatalf("expected absolute url, got %q", ref.URL)
		}
	}
}

func TestClient_ListFiles_NothingNew(t *testing.T) {
	_, httpSrv := seededServer(t, 3)
	client := newTestClient(t, httpSrv.URL)

	refs, err := client.ListFiles(context.Background(), 3)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected no refs, got %+v", refs)
	}
}

func TestClient_DownloadAndDelete(t *testing.T) {
	_, httpSrv := seededServer(t, 1)
	client := newTestClient(t, httpSrv.URL)

	refs, err := client.ListFiles(context.Background(), 0)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	file, err := client.Download(context.Background(), refs[0])
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if file.Size == 0 || len(file.Digest) != 64 {
		t.Fatalf("unexpected local file: %+v", file)
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	parsed, err := exposure.ParseKeyFile(data)
	if err != nil {
		t.Fatalf("parse key file: %v", err)
	}
	if len(parsed.Keys) != 1 || parsed.Index != 0 {
		t.Fatalf("unexpected key file: %+v", parsed)
	}

	client.DeleteLocalFiles([]LocalFile{file, {Path: filepath.Join(t.TempDir(), "gone")}})
	if _, err := os.Stat(file.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file removed, got %v", err)
	}
}

func TestClient_Download_RejectsOversizeBody(t *testing.T) {
	dir := t.TempDir()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("abcdef"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithMaxFileBytes(4), WithDownloadDir(dir))
	_, err := client.Download(context.Background(), FileRef{Index: 1, URL: server.URL + "/f"})
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected partial file removed, found %d entries", len(entries))
	}
}

func TestClient_Download_NotFoundIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithMaxRetries(3))
	_, err := client.Download(context.Background(), FileRef{Index: 0, URL: "missing"})

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 FetchError, got %v", err)
	}
	if fetchErr.IsRetryable() {
		t.Fatal("4xx errors should not be retryable")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"files":[{"index":0,"url":"v1/files/0"}],"next":1,"more":false}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithMaxRetries(3))
	refs, err := client.ListFiles(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("unexpected refs: %+v", refs)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithMaxRetries(2))
	_, err := client.FetchConfiguration(context.Background())
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClient_RespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithMaxRetries(10), WithRetryDelay(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.ListFiles(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClient_FetchConfiguration(t *testing.T) {
	srv, httpSrv := seededServer(t, 0)
	client := newTestClient(t, httpSrv.URL)

	cfg, err := client.FetchConfiguration(context.Background())
	if err != nil {
		t.Fatalf("fetch configuration: %v", err)
	}
	if cfg.MinimumRiskScore != 1 || len(cfg.AttenuationDurationThresholds) != 2 {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}

	srv.SetConfiguration(exposure.Configuration{})
	if _, err := client.FetchConfiguration(context.Background()); !errors.Is(err, exposure.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestClient_FetchConfiguration_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"minimum_risk_score":"high"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.FetchConfiguration(context.Background()); !errors.Is(err, exposure.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestClient_SubmitKeys(t *testing.T) {
	srv, httpSrv := seededServer(t, 0)
	client := newTestClient(t, httpSrv.URL)

	keys := []exposure.TemporaryExposureKey{{KeyData: []byte("k1")}, {KeyData: []byte("k2")}}
	if err := client.SubmitKeys(context.Background(), keys); err != nil {
		t.Fatalf("submit keys: %v", err)
	}
	if srv.FileCount() != 1 {
		t.Fatalf("expected 1 published file, got %d", srv.FileCount())
	}

	if err := client.SubmitKeys(context.Background(), nil); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestClient_ResetKeys(t *testing.T) {
	srv, httpSrv := seededServer(t, 3)
	client := newTestClient(t, httpSrv.URL)

	if err := client.ResetKeys(context.Background()); err != nil {
		t.Fatalf("reset keys: %v", err)
	}
	if srv.FileCount() != 0 {
		t.Fatalf("expected no files after reset, got %d", srv.FileCount())
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"no such host", errors.New("dial tcp: lookup example.com: no such host"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"canceled", context.Canceled, false},
		{"server error", &FetchError{StatusCode: http.StatusBadGateway}, true},
		{"too many requests", &FetchError{StatusCode: http.StatusTooManyRequests}, true},
		{"bad request", &FetchError{StatusCode: http.StatusBadRequest}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
