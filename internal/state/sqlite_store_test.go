package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "db", "state.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := openTestSQLite(t)
	want := sampleState()

	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("save state: %v", err)
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if loaded.NextFileIndex != want.NextFileIndex {
		t.Fatalf("unexpected cursor: %d", loaded.NextFileIndex)
	}
	if len(loaded.Exposures) != len(want.Exposures) {
		t.Fatalf("unexpected exposures: %+v", loaded.Exposures)
	}
	if loaded.LastError == nil || *loaded.LastError != *want.LastError {
		t.Fatalf("unexpected last error: %v", loaded.LastError)
	}
	if loaded.LastDetection == nil || !loaded.LastDetection.Equal(*want.LastDetection) {
		t.Fatalf("unexpected last detection: %v", loaded.LastDetection)
	}
	if _, ok := loaded.TestResults["a1"]; !ok {
		t.Fatalf("missing test result: %+v", loaded.TestResults)
	}
}

func TestSQLiteStore_ClearsOptionalFields(t *testing.T) {
	store := openTestSQLite(t)

	if err := store.Save(context.Background(), sampleState()); err != nil {
		t.Fatalf("save state: %v", err)
	}
	cleared := sampleState()
	cleared.LastError = nil
	cleared.LastDetection = nil
	if err := store.Save(context.Background(), cleared); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if loaded.LastError != nil || loaded.LastDetection != nil {
		t.Fatalf("expected optional fields cleared, got %+v", loaded)
	}
}

func TestSQLiteStore_EmptyDatabase(t *testing.T) {
	store := openTestSQLite(t)

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if loaded.NextFileIndex != 0 || len(loaded.Exposures) != 0 || loaded.TestResults == nil {
		t.Fatalf("expected empty normalized state, got %+v", loaded)
	}
}

func TestSQLiteStore_CorruptRecord(t *testing.T) {
	store := openTestSQLite(t)
	if err := store.Save(context.Background(), sampleState()); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := store.db.Exec(`INSERT OR REPLACE INTO records (key, value) VALUES (?, ?)`, "legacy_flag", []byte("true")); err != nil {
		t.Fatalf("insert unknown record: %v", err)
	}
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatalf("unknown records must be ignored, got %v", err)
	}

	if _, err := store.db.Exec(`UPDATE records SET value = ? WHERE key = ?`, []byte("{broken"), keyExposures); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}
