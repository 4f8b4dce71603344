package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
)

// ErrTestResultNotFound is returned when a test result id is unknown.
var ErrTestResultNotFound = errors.New("test result not found")

// Field names a persisted field (or the transient authorization status) in change events.
type Field string

const (
	FieldNextFileIndex Field = "next_file_index"
	FieldExposures     Field = "exposures"
	FieldTestResults   Field = "test_results"
	FieldLastDetection Field = "last_detection"
	FieldLastError     Field = "last_error"
	FieldOnboarded     Field = "onboarded"
	FieldAuthorization Field = "authorization"
)

// Change is delivered to listeners after a write that modified at least one field.
type Change struct {
	Fields        []Field
	State         State
	Authorization string
}

// Has reports whether field changed.
func (c Change) Has(field Field) bool {
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Listener receives change events synchronously, in write order.
type Listener func(Change)

// DetectionCommit carries the outcome of a successful detection run.
type DetectionCommit struct {
	StartIndex     int
	FilesProcessed int
	Exposures      []exposure.Exposure
	Policy         exposure.MergePolicy
	At             time.Time
}

// Local serializes read-modify-write access to a Store and publishes changes.
type Local struct {
	store  Store
	logger zerolog.Logger

	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// NewLocal wraps a backend store.
func NewLocal(store Store, logger zerolog.Logger) *Local {
	return &Local{
		store:     store,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (l *Local) Subscribe(listener Listener) func() {
	l.listenersMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.listenersMu.Lock()
			delete(l.listeners, id)
			l.listenersMu.Unlock()
		})
	}
}

// PublishAuthorization notifies listeners that the engine authorization status changed.
// The status is not persisted.
func (l *Local) PublishAuthorization(ctx context.Context, status string) {
	snapshot, err := l.Snapshot(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("load state for authorization change")
	}
	l.publish(Change{Fields: []Field{FieldAuthorization}, State: snapshot, Authorization: status})
}

// Snapshot returns a copy of the current state.
func (l *Local) Snapshot(ctx context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.store.Load(ctx)
	if err != nil {
		return State{}, err
	}
	return st.clone(), nil
}

// NextFileIndex returns the pagination cursor.
func (l *Local) NextFileIndex(ctx context.Context) (int, error) {
	st, err := l.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return st.NextFileIndex, nil
}

// Update applies fn to the current state and saves the result. Listeners are
// notified of the fields that changed, after the lock is released.
func (l *Local) Update(ctx context.Context, fn func(*State) error) (State, error) {
	l.mu.Lock()
	before, err := l.store.Load(ctx)
	if err != nil {
		l.mu.Unlock()
		return State{}, fmt.Errorf("load state: %w", err)
	}
	before = before.normalized()
	after := before.clone()
	if err := fn(&after); err != nil {
		l.mu.Unlock()
		return State{}, err
	}
	after = after.normalized()

	changed := changedFields(before, after)
	if len(changed) > 0 {
		if err := l.store.Save(ctx, after); err != nil {
			l.mu.Unlock()
			return State{}, fmt.Errorf("save state: %w", err)
		}
	}
	l.mu.Unlock()

	if len(changed) > 0 {
		l.publish(Change{Fields: changed, State: after.clone()})
	}
	return after.clone(), nil
}

// CommitDetection advances the cursor, merges exposures, stamps the run time and clears the last error.
func (l *Local) CommitDetection(ctx context.Context, commit DetectionCommit) (State, error) {
	return l.Update(ctx, func(st *State) error {
		next := commit.StartIndex + commit.FilesProcessed
		if next > st.NextFileIndex {
			st.NextFileIndex = next
		}
		st.Exposures = exposure.Merge(st.Exposures, commit.Exposures, commit.Policy)
		at := commit.At.UTC()
		st.LastDetection = &at
		st.LastError = nil
		return nil
	})
}

// RecordDetectionFailure stores the description of a failed run.
func (l *Local) RecordDetectionFailure(ctx context.Context, description string) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.LastError = &description
		return nil
	})
	return err
}

// SetLastError overwrites or clears (nil) the last error.
func (l *Local) SetLastError(ctx context.Context, description *string) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.LastError = description
		return nil
	})
	return err
}

// AddExposure appends a single exposure, keeping the list sorted.
func (l *Local) AddExposure(ctx context.Context, e exposure.Exposure) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.Exposures = exposure.Merge(st.Exposures, []exposure.Exposure{e}, exposure.MergeAppend)
		return nil
	})
	return err
}

// PutTestResult inserts or replaces a test result by id.
func (l *Local) PutTestResult(ctx context.Context, result exposure.TestResult) error {
	if result.ID == "" {
		return errors.New("test result id must not be empty")
	}
	_, err := l.Update(ctx, func(st *State) error {
		st.TestResults[result.ID] = result
		return nil
	})
	return err
}

// TestResult returns a test result by id.
func (l *Local) TestResult(ctx context.Context, id string) (exposure.TestResult, error) {
	st, err := l.Snapshot(ctx)
	if err != nil {
		return exposure.TestResult{}, err
	}
	result, ok := st.TestResults[id]
	if !ok {
		return exposure.TestResult{}, fmt.Errorf("%w: %s", ErrTestResultNotFound, id)
	}
	return result, nil
}

// MarkShared flips IsShared on a test result.
func (l *Local) MarkShared(ctx context.Context, id string) error {
	_, err := l.Update(ctx, func(st *State) error {
		result, ok := st.TestResults[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTestResultNotFound, id)
		}
		result.IsShared = true
		st.TestResults[id] = result
		return nil
	})
	return err
}

// SetOnboarded records whether onboarding completed.
func (l *Local) SetOnboarded(ctx context.Context, onboarded bool) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.Onboarded = onboarded
		return nil
	})
	return err
}

// ResetExposures clears history, the cursor and the last run time.
func (l *Local) ResetExposures(ctx context.Context) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.NextFileIndex = 0
		st.Exposures = nil
		st.LastDetection = nil
		return nil
	})
	return err
}

// ResetTestResults removes every test result.
func (l *Local) ResetTestResults(ctx context.Context) error {
	_, err := l.Update(ctx, func(st *State) error {
		st.TestResults = nil
		return nil
	})
	return err
}

func (l *Local) publish(change Change) {
	l.listenersMu.RLock()
	listeners := make([]Listener, 0, len(l.listeners))
	for id := 0; id < l.nextID; id++ {
		if listener, ok := l.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	l.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(change)
	}
}

func changedFields(before, after State) []Field {
	var fields []Field
	if before.NextFileIndex != after.NextFileIndex {
		fields = append(fields, FieldNextFileIndex)
	}
	if !reflect.DeepEqual(before.Exposures, after.Exposures) {
		fields = append(fields, FieldExposures)
	}
	if !reflect.DeepEqual(before.TestResults, after.TestResults) {
		fields = append(fields, FieldTestResults)
	}
	if !equalTime(before.LastDetection, after.LastDetection) {
		fields = append(fields, FieldLastDetection)
	}
	if !equalString(before.LastError, after.LastError) {
		fields = append(fields, FieldLastError)
	}
	if before.Onboarded != after.Onboarded {
		fields = append(fields, FieldOnboarded)
	}
	return fields
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
