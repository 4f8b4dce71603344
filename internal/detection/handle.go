package detection

import "context"

// Handle tracks one started run.
type Handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

func rejectedHandle() *Handle {
	h := &Handle{done: make(chan struct{}), err: ErrConcurrentRun}
	close(h.done)
	return h
}

// Cancel stops the run. The run is recorded as cancelled unless it already finished.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel(ErrCancelled)
	}
}

// Expire stops the run because the host deadline passed. The run is recorded
// as timed out.
func (h *Handle) Expire() {
	if h.cancel != nil {
		h.cancel(ErrTimedOut)
	}
}

// Done is closed once the run has cleaned up and released the in-flight guard.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the run failure after Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Succeeded reports whether the run finished and committed its results.
func (h *Handle) Succeeded() bool {
	select {
	case <-h.done:
		return h.err == nil
	default:
		return false
	}
}

// Wait blocks until the run finishes or ctx ends and reports success.
func (h *Handle) Wait(ctx context.Context) bool {
	select {
	case <-h.done:
		return h.err == nil
	case <-ctx.Done():
		return false
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}
