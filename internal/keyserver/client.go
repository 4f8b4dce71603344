package keyserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultMaxFileBytes int64 = 16 << 20
	defaultMaxDocBytes  int64 = 1 << 20
)

const (
	defaultMaxRetries     = 3
	defaultRetryDelay     = 500 * time.Millisecond
	defaultPageLimit      = 100
	defaultRequestsPerSec = 20
	errorBodyLimit        = 512
)

// Client talks to the remote key service over HTTP.
type Client struct {
	baseURL      *url.URL
	http         *retryablehttp.Client
	limiter      *rate.Limiter
	logger       zerolog.Logger
	downloadDir  string
	maxFileBytes int64
	maxRetries   int
	retryDelay   time.Duration
	pageLimit    int
}

// Option customizes Client behavior.
type Option func(*Client)

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the initial backoff interval.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithDownloadDir sets where key files are materialized.
func WithDownloadDir(dir string) Option {
	return func(c *Client) {
		c.downloadDir = dir
	}
}

// WithMaxFileBytes bounds the size of one downloaded key file.
func WithMaxFileBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFileBytes = n
		}
	}
}

// WithPageLimit sets the page size requested when listing files.
func WithPageLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a Client for the service rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("key server url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse key server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("key server url must include scheme and host")
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 0
	httpClient.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	httpClient.Logger = nil
	httpClient.HTTPClient = &http.Client{Timeout: timeout}

	c := &Client{
		baseURL:      base,
		http:         httpClient,
		limiter:      rate.NewLimiter(rate.Limit(defaultRequestsPerSec), defaultRequestsPerSec),
		logger:       zerolog.Nop(),
		downloadDir:  os.TempDir(),
		maxFileBytes: defaultMaxFileBytes,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		pageLimit:    defaultPageLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListFiles returns refs for every key file at or after startIndex, in index order.
func (c *Client) ListFiles(ctx context.Context, startIndex int) ([]FileRef, error) {
	if startIndex < 0 {
		return nil, fmt.Errorf("invalid start index %d", startIndex)
	}
	return collectPages(startIndex, func(start int) (listResponse, error) {
		endpoint := c.resolve("v1/files")
		query := endpoint.Query()
		query.Set("start", strconv.Itoa(start))
		query.Set("limit", strconv.Itoa(c.pageLimit))
		endpoint.RawQuery = query.Encode()

		var page listResponse
		if err := c.getJSON(ctx, "list files", endpoint.String(), &page); err != nil {
			return listResponse{}, err
		}
		for i, ref := range page.Files {
			page.Files[i].URL = c.resolve(ref.URL).String()
		}
		return page, nil
	})
}

// Download streams one key file to the download directory.
func (c *Client) Download(ctx context.Context, ref FileRef) (LocalFile, error) {
	if ref.URL == "" {
		return LocalFile{}, fmt.Errorf("key file %d has no url", ref.Index)
	}
	op := fmt.Sprintf("download key file %d", ref.Index)

	resp, err := c.do(ctx, op, http.MethodGet, c.resolve(ref.URL).String(), nil, "")
	if err != nil {
		return LocalFile{}, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(c.downloadDir, 0o700); err != nil {
		return LocalFile{}, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.downloadDir, fmt.Sprintf("keys-%d-*.bin", ref.Index))
	if err != nil {
		return LocalFile{}, fmt.Errorf("create key file: %w", err)
	}
	path := tmp.Name()

	hash := sha256.New()
	limited := io.LimitReader(resp.Body, c.maxFileBytes+1)
	size, copyErr := io.Copy(io.MultiWriter(tmp, hash), limited)
	closeErr := tmp.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("%s: %w", op, copyErr)
	case closeErr != nil:
		err = fmt.Errorf("%s: %w", op, closeErr)
	case size > c.maxFileBytes:
		err = fmt.Errorf("%s: body exceeds %d bytes", op, c.maxFileBytes)
	case size == 0:
		err = fmt.Errorf("%s: body is empty", op)
	}
	if err != nil {
		_ = os.Remove(path)
		return LocalFile{}, err
	}

	file := LocalFile{
		Ref:    ref,
		Path:   path,
		Size:   size,
		Digest: hex.EncodeToString(hash.Sum(nil)),
	}
	c.logger.Debug().
		Int("index", ref.Index).
		Int64("bytes", size).
		Str("sha256", file.Digest).
		Msg("key file downloaded")
	return file, nil
}

// FetchConfiguration retrieves and validates the detection parameters.
func (c *Client) FetchConfiguration(ctx context.Context) (exposure.Configuration, error) {
	var cfg exposure.Configuration
	if err := c.getJSON(ctx, "fetch configuration", c.resolve("v1/configuration").String(), &cfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return exposure.Configuration{}, fmt.Errorf("%w: %v", exposure.ErrInvalidConfiguration, err)
		}
		return exposure.Configuration{}, err
	}
	if err := cfg.Validate(); err != nil {
		return exposure.Configuration{}, err
	}
	return cfg, nil
}

// SubmitKeys publishes diagnosis keys.
func (c *Client) SubmitKeys(ctx context.Context, keys []exposure.TemporaryExposureKey) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}
	payload, err := json.Marshal(submitRequest{Keys: keys})
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}

	resp, err := c.do(ctx, "submit keys", http.MethodPost, c.resolve("v1/keys").String(), payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var accepted submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxDocBytes)).Decode(&accepted); err != nil && !errors.Is(err, io.EOF) {
		c.logger.Warn().Err(err).Msg("unreadable submit response")
	}
	c.logger.Info().Int("keys", len(keys)).Int("file_index", accepted.Index).Msg("diagnosis keys submitted")
	return nil
}

// ResetKeys asks a development key service to drop every published file.
func (c *Client) ResetKeys(ctx context.Context) error {
	resp, err := c.do(ctx, "reset keys", http.MethodPost, c.resolve("v1/reset").String(), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Info().Msg("server diagnosis keys reset")
	return nil
}

// DeleteLocalFiles removes downloaded key files. Failures are logged.
func (c *Client) DeleteLocalFiles(files []LocalFile) {
	for _, file := range files {
		if file.Path == "" {
			continue
		}
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", file.Path).Msg("failed to delete key file")
		}
	}
}

func (c *Client) resolve(ref string) *url.URL {
	parsed, err := url.Parse(ref)
	if err != nil {
		return c.baseURL.JoinPath(ref)
	}
	return c.baseURL.ResolveReference(parsed)
}

func (c *Client) getJSON(ctx context.Context, op, target string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, target, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxDocBytes+1))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if int64(len(body)) > defaultMaxDocBytes {
		return fmt.Errorf("%s: body exceeds %d bytes", op, defaultMaxDocBytes)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// do performs one request with exponential backoff between retryable failures.
// The caller closes the response body.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte, contentType string) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = 20 * c.retryDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	for {
		attempts++
		resp, err := c.once(ctx, op, method, target, body, contentType)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !isRetryableError(err) || attempts > c.maxRetries {
			if attempts > 1 {
				return nil, fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
			}
			return nil, err
		}

		wait := policy.NextBackOff()
		c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempts).Dur("wait", wait).Msg("retrying key server request")
		if !sleepWithContext(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) once(ctx context.Context, op, method, target string, body []byte, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: rate limit: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return nil, &FetchError{
		Op:         op,
		URL:        target,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(text)),
	}
}
