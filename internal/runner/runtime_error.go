package runner

import (
	"fmt"

	"github.com/nholik/exposure-sentinel/internal/detection"
)

// RuntimeError is a failed cycle. The loop logs it and keeps scheduling.
type RuntimeError struct {
	Op   string
	Kind detection.Kind
	Err  error
}

func (e *RuntimeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func wrapRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Kind: detection.KindOf(err), Err: err}
}
