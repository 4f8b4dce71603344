package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// FileStore persists state as a single JSON document on disk.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads state from disk. A missing document yields empty state with a
// warning. A document that fails to decode is an ErrCorruptState error.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warn().Str("path", s.path).Msg("state file missing, starting fresh")
		return State{}.normalized(), nil
	case err != nil:
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Error().Str("path", s.path).Err(err).Msg("state file corrupt")
		return State{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path, err)
	}
	return loaded.normalized(), nil
}

// Save replaces the document atomically.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st.normalized(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a sibling temp file, fsyncs it and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	if dirHandle, openErr := os.Open(dir); openErr == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}
