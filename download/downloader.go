// Package download deduplicates concurrent fetches of the same image and
// bounds how many fetches run at once.
//
// Every caller of Do for a key attaches to one in-flight operation and
// receives its outcome. A caller whose context ends detaches alone; the
// operation is aborted only when its last waiter detaches, or when Cancel or
// CancelAll is called.
package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

var (
	errDetached  = errors.New("last waiter detached")
	errCancelKey = errors.New("operation cancelled")
	errCancelAll = errors.New("all operations cancelled")
)

// DownloadFunc produces the image for a key. The context it receives is
// detached from every individual caller and is cancelled only when the
// operation is aborted.
type DownloadFunc func(ctx context.Context) (*imagecache.Image, error)

type call struct {
	done    chan struct{}
	once    sync.Once
	img     *imagecache.Image
	err     error
	waiters int
	cancel  context.CancelCauseFunc
}

// complete records the outcome and wakes the waiters. Only the first
// outcome is kept.
func (c *call) complete(img *imagecache.Image, err error) {
	c.once.Do(func() {
		c.img, c.err = img, err
		close(c.done)
	})
}

func (c *call) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Downloader is the in-flight operation table.
type Downloader struct {
	mu     sync.Mutex
	calls  map[imagecache.Hash]*call
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithMaxConcurrent bounds the number of DownloadFuncs running at once.
// Operations beyond the limit wait for a slot. Zero or negative means
// unbounded.
func WithMaxConcurrent(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		} else {
			d.sem = nil
		}
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		calls:  make(map[imagecache.Hash]*call),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do returns the outcome of the operation for key, starting one with fn if
// none is in flight. shared reports whether the caller joined an existing
// operation.
//
// If ctx ends first, Do returns an error wrapping imagecache.ErrCancelled
// and the caller is detached; the operation keeps running for any other
// waiters.
func (d *Downloader) Do(ctx context.Context, key imagecache.Hash, fn DownloadFunc) (img *imagecache.Image, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, imagecache.Cancelled(err)
	}

	d.mu.Lock()
	if c, ok := d.calls[key]; ok {
		c.waiters++
		d.mu.Unlock()
		telemetry.RecordInFlightJoin(ctx)
		return d.wait(ctx, key, c, true)
	}

	// The operation must outlive whichever caller happened to start it.
	opCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c := &call{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	d.calls[key] = c
	d.mu.Unlock()

	go d.run(opCtx, key, c, fn)

	return d.wait(ctx, key, c, false)
}

func (d *Downloader) run(ctx context.Context, key imagecache.Hash, c *call, fn DownloadFunc) {
	defer c.cancel(nil)

	img, err := d.execute(ctx, fn)
	if ctx.Err() != nil {
		// Aborted operations never deliver a result, even one that
		// completed while the abort was in progress.
		img, err = nil, imagecache.Cancelled(context.Cause(ctx))
	}

	d.mu.Lock()
	if d.calls[key] == c {
		delete(d.calls, key)
	}
	d.mu.Unlock()

	c.complete(img, err)
}

func (d *Downloader) execute(ctx context.Context, fn DownloadFunc) (*imagecache.Image, error) {
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, imagecache.Cancelled(context.Cause(ctx))
		}
		defer d.sem.Release(1)
	}
	return fn(ctx)
}

func (d *Downloader) wait(ctx context.Context, key imagecache.Hash, c *call, shared bool) (*imagecache.Image, bool, error) {
	select {
	case <-c.done:
		return c.img, shared, c.err
	case <-ctx.Done():
		d.detach(ctx, key, c)
		return nil, shared, imagecache.Cancelled(ctx.Err())
	}
}

// detach removes one waiter. The last waiter to leave aborts the operation
// and drops it from the table so the next Do for key starts afresh.
func (d *Downloader) detach(ctx context.Context, key imagecache.Hash, c *call) {
	d.mu.Lock()
	c.waiters--
	last := c.waiters == 0
	if last && d.calls[key] == c {
		delete(d.calls, key)
	}
	d.mu.Unlock()

	if last && !c.finished() {
		c.cancel(errDetached)
		telemetry.RecordFetchCancellation(ctx, "detached")
		d.logger.Debug("last waiter detached, aborting", "key", key.ShortString())
	}
}

// Cancel aborts the in-flight operation for key. Every waiter receives an
// error wrapping imagecache.ErrCancelled. It reports whether an operation
// was found.
func (d *Downloader) Cancel(key imagecache.Hash) bool {
	d.mu.Lock()
	c, ok := d.calls[key]
	if ok {
		delete(d.calls, key)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	d.abort(c, errCancelKey)
	telemetry.RecordFetchCancellation(context.Background(), "cancel")
	d.logger.Debug("cancelled operation", "key", key.ShortString())
	return true
}

// CancelAll aborts every in-flight operation and returns how many there were.
func (d *Downloader) CancelAll() int {
	d.mu.Lock()
	calls := d.calls
	d.calls = make(map[imagecache.Hash]*call)
	d.mu.Unlock()

	for _, c := range calls {
		d.abort(c, errCancelAll)
		telemetry.RecordFetchCancellation(context.Background(), "cancel_all")
	}
	if len(calls) > 0 {
		d.logger.Debug("cancelled all operations", "count", len(calls))
	}
	return len(calls)
}

func (d *Downloader) abort(c *call, cause error) {
	c.cancel(cause)
	c.complete(nil, imagecache.Cancelled(cause))
}

// InFlight returns the number of operations in the table.
func (d *Downloader) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// Waiters returns the number of callers attached to the operation for key.
func (d *Downloader) Waiters(key imagecache.Hash) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.calls[key]; ok {
		return c.waiters
	}
	return 0
}
