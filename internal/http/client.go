package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrRateLimited       = errors.New("http: rate limited")
	ErrServerError       = errors.New("http: server error")
	ErrUnexpectedStatus  = errors.New("http: unexpected status")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 32
	MaxIdleConnsPerHost int

	// Timeout bounds HEAD requests, metadata fetches and the wait for
	// response headers of transfers. Transfer bodies are bounded by the
	// caller's context instead.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for Head and
	// Fetch. Open and OpenRange never retry; the downloader owns that loop.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 32,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "switchroot-depot",
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// RangeResponse represents an open transfer body.
type RangeResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
	Partial       bool
}

// RequestOption customises a single request.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithToken authenticates the request with a personal access token. Empty
// tokens are ignored so callers can pass configuration through unchanged.
func WithToken(token string) RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "token "+token)
		}
	}
}

// Client is an HTTP client tuned for parallel ranged downloads.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, url string, reqOpts ...RequestOption) (*FileInfo, error) {
	return withRetry(ctx, c, "head", func() (*FileInfo, error) {
		return c.headOnce(ctx, url, reqOpts)
	})
}

// withRetry runs op until it succeeds, fails with a final error, or the
// attempt budget is spent.
func withRetry[T any](ctx context.Context, c *Client, name string, op func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return zero, err
			}
		}

		v, err := op()
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s request failed after %d attempts: %w", name, c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) headOnce(ctx context.Context, url string, reqOpts []RequestOption) (*FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, url, reqOpts)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}

	return info, nil
}

// Fetch performs a GET and reads the whole body. It is meant for catalog
// documents, not artifacts.
func (c *Client) Fetch(ctx context.Context, url string, reqOpts ...RequestOption) ([]byte, error) {
	return withRetry(ctx, c, "get", func() ([]byte, error) {
		return c.fetchOnce(ctx, url, reqOpts)
	})
}

func (c *Client) fetchOnce(ctx context.Context, url string, reqOpts []RequestOption) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, url, reqOpts)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// OpenRange issues a single ranged GET for [startByte, endByte] (inclusive,
// like the HTTP Range header). The caller must close the body.
func (c *Client) OpenRange(ctx context.Context, url string, startByte, endByte int64) (*RangeResponse, error) {
	resp, err := c.get(ctx, url, WithHeader("Range", fmt.Sprintf("bytes=%d-%d", startByte, endByte)))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	// Any other success means the server ignored the Range header.
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		start, _, _, err := ParseContentRange(cr)
		if err == nil && start != startByte {
			err = fmt.Errorf("%w: range starts at %d, requested %d", ErrUnexpectedStatus, start, startByte)
		}
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	}

	body := newBody(resp)
	body.Partial = true
	return body, nil
}

// Open issues a single plain GET for the whole resource.
func (c *Client) Open(ctx context.Context, url string) (*RangeResponse, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return newBody(resp), nil
}

// get sends a GET without a client-side timeout. Transfers are bounded by
// the caller's context and the transport's response header timeout.
func (c *Client) get(ctx context.Context, url string, reqOpts ...RequestOption) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, reqOpts)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func newBody(resp *http.Response) *RangeResponse {
	return &RangeResponse{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, reqOpts []RequestOption) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for _, opt := range reqOpts {
		opt(req)
	}
	return req, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	return Sleep(ctx, Backoff(c.opts.RetryBackoff, c.opts.RetryMaxBackoff, attempt))
}

// Backoff returns the delay before the given retry attempt (1-based):
// base doubled per attempt, capped at max, then jittered to 0.5-1.5x.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	backoff := base * time.Duration(1<<uint(min(attempt-1, 30)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryable reports whether a request error may succeed on a later attempt.
// Status-derived errors other than server errors are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrServerError):
		return true
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnexpectedStatus), errors.Is(err, ErrRangeNotSupported):
		return false
	}
	return true
}

// Retryable is exported for the downloader's segment retry loop.
func Retryable(err error) bool {
	return retryable(err)
}

// checkResponse maps non-success status codes to errors.
func checkResponse(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return ErrRateLimited
		}
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %d %s", ErrServerError, code, http.StatusText(code))
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

// cleanETag strips the weak marker and quotes from an ETag.
func cleanETag(etag string) string {
	return strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
}

// ParseContentRange parses "bytes start-end/total". Total is -1 when the
// server reports it as "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	rng, size, ok2 := strings.Cut(spec, "/")
	from, to, ok3 := strings.Cut(rng, "-")
	if !ok || !ok2 || !ok3 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("Content-Range start: %w", err)
	}
	if end, err = strconv.ParseInt(to, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("Content-Range end: %w", err)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("Content-Range total: %w", err)
	}
	return start, end, total, nil
}
