package detection

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrentRun is returned by a start that found another run in flight.
	// No state is touched.
	ErrConcurrentRun = errors.New("exposure detection already in progress")
	ErrCancelled     = errors.New("exposure detection was cancelled")
	ErrTimedOut      = errors.New("exposure detection timed out")
)

// Kind classifies a run failure.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindEngine        Kind = "engine"
	KindConfiguration Kind = "configuration"
	KindStorage       Kind = "storage"
	KindCancelled     Kind = "cancelled"
)

// RunError is the single failure outcome of a detection run.
type RunError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func wrapRun(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RunError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the failure kind of err, or "" when err is not a RunError.
func KindOf(err error) Kind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return ""
}

// cancellation describes why ctx ended. A parent deadline counts as a timeout.
func cancellation(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimedOut) || errors.Is(cause, context.DeadlineExceeded) {
		return wrapRun(KindCancelled, "detect exposures", ErrTimedOut)
	}
	return wrapRun(KindCancelled, "detect exposures", ErrCancelled)
}
