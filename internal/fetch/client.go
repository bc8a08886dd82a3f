// Package fetch is the HTTP client for the content origin: URL building,
// an allow-list safety guard, retry with exponential backoff and jitter,
// gzip response decoding, and a typed error taxonomy that separates
// terminal failures from retryable ones.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/larderhq/larder/pkg/bytesize"
	"github.com/larderhq/larder/pkg/fileapi"
)

const userAgent = "larder"

// DefaultMaxBodySize caps decoded response bodies when the config does not.
const DefaultMaxBodySize = bytesize.Size(32 * 1024 * 1024)

// RetryConfig configures the retry behavior for file fetches.
type RetryConfig struct {
	MaxTries       int           // total attempts, not extra retries (default: 3)
	InitialBackoff time.Duration // wait before the second attempt (default: 1s)
	MaxBackoff     time.Duration // backoff cap (default: 10s)
	MaxJitter      time.Duration // random extra wait per retry (default: 1s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:       3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		MaxJitter:      1 * time.Second,
	}
}

// Config holds the configuration for the origin client.
type Config struct {
	BaseURL     string        // origin base URL (e.g. "https://app.example.com")
	CacheBuster string        // optional ?v= value appended to file URLs
	Timeout     time.Duration // per-request timeout (default: 30s)
	MaxBodySize bytesize.Size // decoded body cap (default: DefaultMaxBodySize)
	Retry       RetryConfig
	Guard       Guard    // nil means allow only BaseURL's origin
	Observer    Observer // nil means no observations
}

// Observer receives fetch lifecycle events. internal/metrics implements it.
type Observer interface {
	FetchRetry()
	FetchFailure(reason string)
}

type noopObserver struct{}

func (noopObserver) FetchRetry()         {}
func (noopObserver) FetchFailure(string) {}

// Result is a usable origin response for a file fetch.
type Result struct {
	Content     []byte
	ETag        string
	NotModified bool // 304: Content is empty, the cached copy is still valid
	Status      int
}

// Client fetches files and API documents from the origin.
type Client struct {
	cfg      Config
	guard    Guard
	observer Observer
	client   *http.Client
}

// NewClient creates an origin client. When cfg.Guard is nil the client
// allows exactly cfg.BaseURL's origin.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	guard := cfg.Guard
	if guard == nil {
		var err error
		guard, err = NewAllowList(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("build default allow list: %w", err)
		}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	return &Client{
		cfg:      cfg,
		guard:    guard,
		observer: observer,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// FileURL returns the full origin URL for a logical path under base
// ("pages/", "assets/", ...), including the cache buster when configured.
func (c *Client) FileURL(base, path string) (string, error) {
	u, err := url.JoinPath(c.cfg.BaseURL, base, fileapi.NormalizePath(path))
	if err != nil {
		return "", fmt.Errorf("build url: %w", err)
	}
	if c.cfg.CacheBuster != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return "", fmt.Errorf("build url: %w", err)
		}
		q := parsed.Query()
		q.Set("v", c.cfg.CacheBuster)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	return u, nil
}

// File fetches one file from the origin with the full retry policy. etag,
// when non-empty, is sent as If-None-Match; a 304 comes back as a Result
// with NotModified set.
//
// 404 and 429 are terminal (ErrNotFound, ErrRateLimited), as are guard
// rejections and oversized bodies. Everything else retries with exponential
// backoff until the budget is spent, then surfaces a *TransientError
// wrapping the last failure.
func (c *Client) File(ctx context.Context, base, path, etag string) (*Result, error) {
	fileURL, err := c.FileURL(base, path)
	if err != nil {
		return nil, err
	}
	if !c.guard.Safe(fileURL) {
		c.observer.FetchFailure(FailureReason(ErrUnsafeURL))
		return nil, fmt.Errorf("%w: %s", ErrUnsafeURL, fileURL)
	}

	retry := c.cfg.Retry
	backoff := retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= retry.MaxTries; attempt++ {
		res, err := c.attempt(ctx, fileURL, etag)
		if err == nil {
			return res, nil
		}
		if IsTerminal(err) {
			c.observer.FetchFailure(FailureReason(err))
			return nil, err
		}

		lastErr = err

		if attempt == retry.MaxTries {
			break
		}

		wait := backoff
		if retry.MaxJitter >= time.Millisecond {
			wait += time.Duration(rand.Intn(int(retry.MaxJitter.Milliseconds()))) * time.Millisecond
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retry.MaxTries).
			Dur("retry_in", wait).
			Str("url", fileURL).
			Msg("origin fetch failed, retrying...")
		c.observer.FetchRetry()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		// Exponential backoff with cap
		backoff *= 2
		if backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}

	c.observer.FetchFailure(FailureReason(lastErr))
	return nil, &TransientError{Attempts: retry.MaxTries, Err: lastErr}
}

// attempt performs a single GET for a file URL.
func (c *Client) attempt(ctx context.Context, fileURL, etag string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	// Set explicitly so the transport does not decompress behind our back;
	// decoding goes through klauspost's gzip below.
	req.Header.Set("Accept-Encoding", "gzip")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{NotModified: true, ETag: etag, Status: resp.StatusCode}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, fileURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content: body,
		ETag:    resp.Header.Get("ETag"),
		Status:  resp.StatusCode,
	}, nil
}

// readBody decodes and reads a response body, enforcing the size cap on the
// decoded bytes.
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	limit := c.cfg.MaxBodySize.Bytes()
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %s", ErrTooLarge, c.cfg.MaxBodySize)
	}
	return body, nil
}

// Hashes fetches the origin's content-hash manifest (GET /api/hashes).
// API calls are single attempts; the manifest registry has its own
// degraded-fallback policy and the warmer simply tries again next tick.
func (c *Client) Hashes(ctx context.Context) (fileapi.HashData, error) {
	var resp fileapi.HashesResponse
	if err := c.getJSON(ctx, "api/hashes", &resp); err != nil {
		return fileapi.HashData{}, err
	}
	if !resp.Success {
		return fileapi.HashData{}, errors.New("origin reported hash manifest failure")
	}
	return resp.Data, nil
}

// List fetches the origin's asset listing (GET /api/list) for cache warming.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp fileapi.ListResponse
	if err := c.getJSON(ctx, "api/list", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New("origin reported asset list failure")
	}
	return resp.Files, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	apiURL, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	if !c.guard.Safe(apiURL) {
		return fmt.Errorf("%w: %s", ErrUnsafeURL, apiURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
