package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
)

func sampleState() State {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	lastErr := "unable to connect to server"
	return State{
		NextFileIndex: 7,
		Exposures: []exposure.Exposure{
			exposure.New(now.Add(-48 * time.Hour)),
			exposure.New(now),
		},
		TestResults: map[string]exposure.TestResult{
			"a1": {ID: "a1", IsAdded: true, DateAdministered: now, IsShared: false},
		},
		LastDetection: &now,
		LastError:     &lastErr,
		Onboarded:     true,
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	store := NewFileStore(path, zerolog.Nop())

	want := sampleState()
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if loaded.NextFileIndex != 7 {
		t.Fatalf("unexpected cursor: %d", loaded.NextFileIndex)
	}
	if len(loaded.Exposures) != 2 || !loaded.Exposures[1].Date.Equal(want.Exposures[1].Date) {
		t.Fatalf("unexpected exposures: %+v", loaded.Exposures)
	}
	if loaded.TestResults["a1"].ID != "a1" || !loaded.TestResults["a1"].IsAdded {
		t.Fatalf("unexpected test results: %+v", loaded.TestResults)
	}
	if loaded.LastDetection == nil || !loaded.LastDetection.Equal(*want.LastDetection) {
		t.Fatalf("unexpected last detection: %v", loaded.LastDetection)
	}
	if loaded.LastError == nil || *loaded.LastError != *want.LastError {
		t.Fatalf("unexpected last error: %v", loaded.LastError)
	}
	if !loaded.Onboarded {
		t.Fatalf("expected onboarded flag")
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.NextFileIndex != 0 || len(st.Exposures) != 0 || st.TestResults == nil {
		t.Fatalf("expected empty normalized state, got %+v", st)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}

	// A write through the facade must not replace the unreadable document.
	local := NewLocal(store, zerolog.Nop())
	if err := local.SetOnboarded(context.Background(), true); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected write to fail with ErrCorruptState, got %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if string(data) != "{not-json" {
		t.Fatalf("corrupt document was overwritten: %q", data)
	}
}

func TestFileStore_NestedDirectoryAndNoTempLeftovers(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "state.json")
	store := NewFileStore(path, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := store.Save(context.Background(), State{NextFileIndex: i}); err != nil {
			t.Fatalf("save state: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(tmpDir, "nested"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json, got %v", entries)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
