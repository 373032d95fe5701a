// Package imagecache holds the shared types of the tiered image cache: cache
// keys, source identifiers, decoded images and the error taxonomy used by the
// memory, disk, fetch and cache packages.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidSource is returned when a source identifier is not an
	// absolute http(s) URL.
	ErrInvalidSource = errors.New("invalid source")

	// ErrNetwork is returned for transport failures, including a fetch
	// attempt exceeding its timeout.
	ErrNetwork = errors.New("network error")

	// ErrDecode is returned when fetched or stored bytes are not an image.
	ErrDecode = errors.New("decode error")

	// ErrCancelled is returned to a caller whose request was cancelled,
	// either by its own context or by Cancel/CancelAll on the cache.
	ErrCancelled = errors.New("cancelled")

	// ErrStorage marks disk I/O failures. It never escapes the disk store as
	// anything other than a miss or a logged write failure.
	ErrStorage = errors.New("storage error")
)

// HTTPStatusError is returned when the upstream answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Source     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.Source)
}

// Cancelled wraps a context error so that it matches both ErrCancelled and
// the original context error.
func Cancelled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsRetryable reports whether a failed resolve is worth offering a retry for.
// Network, status, decode and timeout failures are retryable; cancellations
// and invalid sources are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrInvalidSource) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, context.DeadlineExceeded)
}
