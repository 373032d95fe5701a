// Package fetch retrieves image bytes from the image host over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

const (
	// DefaultTimeout bounds a single fetch attempt.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBytes caps the accepted payload size (32 MiB).
	DefaultMaxBytes int64 = 32 << 20

	// DefaultUserAgent is sent with every request.
	DefaultUserAgent = "image-cache/1.0"
)

// Client fetches raw image bytes. Every call goes to the network; no
// response caching is done at any layer.
type Client struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBytes  int64
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxBytes sets the largest payload accepted.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithRateLimit paces request starts to at most perSecond, with the given
// burst. A zero or negative rate leaves requests unpaced.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "fetch"),
		},
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		maxBytes:  DefaultMaxBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fetch")
	return c
}

// Fetch retrieves the bytes at source and checks that they are an image.
//
// Errors wrap imagecache.ErrInvalidSource, imagecache.ErrNetwork (including
// an attempt exceeding the timeout), imagecache.ErrDecode or
// imagecache.ErrCancelled, or are an *imagecache.HTTPStatusError.
func (c *Client) Fetch(ctx context.Context, source string) ([]byte, error) {
	if err := imagecache.ValidateSource(source); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, imagecache.Cancelled(err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, imagecache.Cancelled(ctx.Err())
			}
			return nil, fmt.Errorf("%w: waiting for rate limiter: %w", imagecache.ErrNetwork, err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", imagecache.ErrInvalidSource, err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transferError(ctx, attemptCtx, "performing request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &imagecache.HTTPStatusError{StatusCode: resp.StatusCode, Source: source}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, c.transferError(ctx, attemptCtx, "reading body", err)
	}

	// The transfer may have raced with cancellation.
	if err := ctx.Err(); err != nil {
		return nil, imagecache.Cancelled(err)
	}

	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", imagecache.ErrDecode, c.maxBytes)
	}
	if _, _, err := imagecache.DecodeConfig(data); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched image",
		"source", source,
		"bytes", len(data),
		"duration", time.Since(start))
	return data, nil
}

// transferError maps a failed request or body read to the error taxonomy.
// Cancellation of the caller's context wins over the attempt timeout.
func (c *Client) transferError(ctx, attemptCtx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return imagecache.Cancelled(ctxErr)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out after %s: %w", imagecache.ErrNetwork, op, c.timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: %s: %w", imagecache.ErrNetwork, op, err)
}
