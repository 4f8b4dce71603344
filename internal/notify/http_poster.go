package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const httpErrorBodyLimit = 1024

// Rate limit channels. Outcomes and alerts are throttled independently so a
// burst of failed runs cannot hold back a Bluetooth alert.
const (
	channelOutcome = "outcome"
	channelAlert   = "alert"
)

type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffMaxElapsed time.Duration
	backoffMax        time.Duration
	backoffInitial    time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      1 * time.Second,
	rateBurst:         1,
	backoffMaxElapsed: 30 * time.Second,
	backoffMax:        10 * time.Second,
	backoffInitial:    1 * time.Second,
}

// webhookPoster posts payloads to a single URL with per-channel rate limits
// and exponential backoff on transient failures.
type webhookPoster struct {
	logger      zerolog.Logger
	serviceName string
	url         string
	contentType string
	client      *retryablehttp.Client
	timing      timingConfig

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func newWebhookPoster(logger zerolog.Logger, serviceName, url, contentType string, timing timingConfig) *webhookPoster {
	client := retryablehttp.NewClient()
	// Retries are driven by postWithRetry so Retry-After can be honored.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	return &webhookPoster{
		logger:      logger.With().Str("notifier", serviceName).Logger(),
		serviceName: serviceName,
		url:         url,
		contentType: contentType,
		client:      client,
		timing:      timing,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// send waits for the channel's rate limiter and posts every payload in order.
func (p *webhookPoster) send(ctx context.Context, channel string, payloads ...[]byte) error {
	if err := p.limiter(channel).Wait(ctx); err != nil {
		return err
	}
	for _, payload := range payloads {
		if err := p.postWithRetry(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *webhookPoster) limiter(channel string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	limiter, ok := p.limiters[channel]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiters[channel] = limiter
	}
	return limiter
}

func (p *webhookPoster) postWithRetry(ctx context.Context, payload []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.timing.backoffInitial
	policy.MaxInterval = p.timing.backoffMax
	policy.MaxElapsedTime = p.timing.backoffMaxElapsed
	policy.Reset()

	for attempt := 1; ; attempt++ {
		err := p.postOnce(ctx, payload)
		if err == nil {
			return nil
		}

		var wait time.Duration
		var retryAfter *retryAfterError
		var retryable *retryableError
		switch {
		case errors.As(err, &retryAfter):
			wait = retryAfter.Duration
		case errors.As(err, &retryable):
			wait = policy.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
		default:
			return err
		}

		p.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("notification delivery failed; retrying")
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (p *webhookPoster) postOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.serviceName, err)
	}
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("%s request failed: %w", p.serviceName, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
	bodyText := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		limited := fmt.Errorf("%s rate limited: %s", p.serviceName, resp.Status)
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return &retryAfterError{Duration: wait, err: limited}
		}
		return &retryableError{err: limited}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &retryableError{err: fmt.Errorf("%s server error: %s", p.serviceName, resp.Status)}
	case bodyText != "":
		return fmt.Errorf("%s request failed: %s (%s)", p.serviceName, resp.Status, bodyText)
	default:
		return fmt.Errorf("%s request failed: %s", p.serviceName, resp.Status)
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait, true
		}
	}
	return 0, false
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

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

type retryAfterError struct {
	Duration time.Duration
	err      error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.Duration)
}

func (e *retryAfterError) Unwrap() error { return e.err }
