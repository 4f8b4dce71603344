package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Record keys in the key-value table.
const (
	keyNextFileIndex = "next_file_index"
	keyExposures     = "exposures"
	keyTestResults   = "test_results"
	keyLastDetection = "last_detection"
	keyLastError     = "last_error"
	keyOnboarded     = "onboarded"
)

var errUnknownRecord = errors.New("unknown record key")

// SQLiteStore persists each state field as a row in a key-value table.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load reads every record. Unknown keys are skipped with a warning; a known
// record that fails to decode is an ErrCorruptState error.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM records`)
	if err != nil {
		return State{}, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var st State
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return State{}, fmt.Errorf("scan record: %w", err)
		}
		err := decodeRecord(&st, key, value)
		switch {
		case errors.Is(err, errUnknownRecord):
			s.logger.Warn().Str("key", key).Msg("unknown state record, ignoring")
		case err != nil:
			s.logger.Error().Str("key", key).Err(err).Msg("state record corrupt")
			return State{}, fmt.Errorf("%w: record %s: %v", ErrCorruptState, key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("iterate records: %w", err)
	}
	return st.normalized(), nil
}

// Save writes all records in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, st State) error {
	records, err := encodeRecords(st.normalized())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range records {
		if value == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete record %s: %w", key, err)
			}
			continue
		}
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			return fmt.Errorf("upsert record %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// encodeRecords maps fields to row values; a nil value deletes the row.
func encodeRecords(st State) (map[string][]byte, error) {
	fields := map[string]any{
		keyNextFileIndex: st.NextFileIndex,
		keyExposures:     st.Exposures,
		keyTestResults:   st.TestResults,
		keyOnboarded:     st.Onboarded,
	}
	if st.LastDetection != nil {
		fields[keyLastDetection] = st.LastDetection
	}
	if st.LastError != nil {
		fields[keyLastError] = st.LastError
	}

	records := map[string][]byte{
		keyLastDetection: nil,
		keyLastError:     nil,
	}
	for key, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		records[key] = encoded
	}
	return records, nil
}

func decodeRecord(st *State, key string, value []byte) error {
	switch key {
	case keyNextFileIndex:
		return json.Unmarshal(value, &st.NextFileIndex)
	case keyExposures:
		return json.Unmarshal(value, &st.Exposures)
	case keyTestResults:
		return json.Unmarshal(value, &st.TestResults)
	case keyLastDetection:
		return json.Unmarshal(value, &st.LastDetection)
	case keyLastError:
		return json.Unmarshal(value, &st.LastError)
	case keyOnboarded:
		return json.Unmarshal(value, &st.Onboarded)
	default:
		return errUnknownRecord
	}
}
