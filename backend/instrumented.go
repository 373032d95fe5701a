package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/image-cache/telemetry"
)

// InstrumentedBackend wraps a LocalBackend with metrics recording.
type InstrumentedBackend struct {
	backend LocalBackend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b LocalBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records the operation when the returned reader is closed so the byte
// count covers the whole read.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64) {
			telemetry.RecordBackendOp(ctx, ib.name, "read", "success", time.Since(start), n)
		},
	}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Entry, error) {
	start := time.Now()
	e, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return e, err
}

func (ib *InstrumentedBackend) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	entries, err := ib.backend.Entries(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "entries", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (ib *InstrumentedBackend) Touch(ctx context.Context, key string, t time.Time) error {
	start := time.Now()
	err := ib.backend.Touch(ctx, key, t)
	telemetry.RecordBackendOp(ctx, ib.name, "touch", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Reset(ctx context.Context) error {
	start := time.Now()
	err := ib.backend.Reset(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "reset", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() LocalBackend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n      int64
	done   func(n int64)
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return c.ReadCloser.Close()
}

// Compile-time interface checks
var (
	_ Backend      = (*InstrumentedBackend)(nil)
	_ LocalBackend = (*InstrumentedBackend)(nil)
)
