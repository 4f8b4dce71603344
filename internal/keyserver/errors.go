package keyserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNoKeys is returned when a submission has nothing to publish.
var ErrNoKeys = errors.New("no diagnosis keys to submit")

// FetchError reports a non-success HTTP status from the key service.
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %s (%s)", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %s", e.Op, e.Status)
}

// IsRetryable reports whether the status is worth another attempt.
func (e *FetchError) IsRetryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"eof",
		"timeout",
		"broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
