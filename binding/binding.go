// Package binding ties one consumer, such as a grid cell or a CLI request,
// to at most one image load at a time. Rebinding or unbinding cancels the
// consumer's attachment to the previous load and discards its late result.
package binding

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	imagecache "github.com/wolfeidau/image-cache"
)

// Resolver resolves a source to an image. *cache.Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, source string) (*imagecache.Image, error)
}

// State is the lifecycle state of a binding.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Snapshot is the observable state of a binding.
type Snapshot struct {
	State     State
	Source    string
	Image     *imagecache.Image
	Err       error
	Retryable bool

	gen uint64
}

// Option configures a Binding.
type Option func(*Binding)

// WithObserver registers fn to receive every state change. Calls are
// serialized.
func WithObserver(fn func(Snapshot)) Option {
	return func(b *Binding) {
		b.observer = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Binding) {
		b.logger = logger
	}
}

// Binding is safe for concurrent use.
type Binding struct {
	resolver Resolver
	observer func(Snapshot)
	logger   *slog.Logger

	mu     sync.Mutex
	gen    uint64
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates an idle Binding.
func New(resolver Resolver, opts ...Option) *Binding {
	done := make(chan struct{})
	close(done)
	b := &Binding{
		resolver: resolver,
		logger:   slog.Default(),
		done:     done,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "binding")
	return b
}

// Bind starts loading source, cancelling any previous load first.
func (b *Binding) Bind(source string) {
	b.mu.Lock()
	b.stopLocked()
	b.gen++
	gen := b.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.snap = Snapshot{State: StateLoading, Source: source, gen: gen}
	snap := b.snap
	b.mu.Unlock()

	b.notify(snap)
	go b.load(ctx, gen, source, done)
}

// Unbind cancels the current load and returns the binding to idle.
func (b *Binding) Unbind() {
	b.mu.Lock()
	b.stopLocked()
	b.gen++
	b.snap = Snapshot{State: StateIdle, gen: b.gen}
	snap := b.snap
	b.mu.Unlock()

	b.notify(snap)
}

// Cancel abandons the current load but keeps the source so that Retry can
// restart it. It is a no-op unless a load is in progress.
func (b *Binding) Cancel() {
	b.mu.Lock()
	if b.snap.State != StateLoading {
		b.mu.Unlock()
		return
	}
	b.stopLocked()
	b.gen++
	b.snap = Snapshot{State: StateCancelled, Source: b.snap.Source, Err: imagecache.Cancelled(nil), gen: b.gen}
	snap := b.snap
	b.mu.Unlock()

	b.notify(snap)
}

// Retry rebinds the current source after a failure or cancellation. It
// reports whether a new load was started.
func (b *Binding) Retry() bool {
	b.mu.Lock()
	state, source := b.snap.State, b.snap.Source
	b.mu.Unlock()

	if source == "" || (state != StateFailed && state != StateCancelled) {
		return false
	}
	b.logger.Debug("retrying", "source", source, "previous_state", state)
	b.Bind(source)
	return true
}

// Snapshot returns the current state.
func (b *Binding) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Wait blocks until no load is in progress or ctx ends, and returns the
// resulting snapshot.
func (b *Binding) Wait(ctx context.Context) (Snapshot, error) {
	for {
		b.mu.Lock()
		done := b.done
		b.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return b.Snapshot(), ctx.Err()
		}

		b.mu.Lock()
		settled := b.done == done
		snap := b.snap
		b.mu.Unlock()
		if settled {
			return snap, nil
		}
	}
}

func (b *Binding) load(ctx context.Context, gen uint64, source string, done chan struct{}) {
	img, err := b.resolver.Resolve(ctx, source)

	b.mu.Lock()
	if b.gen != gen {
		// Superseded by Bind, Unbind or Cancel.
		b.mu.Unlock()
		b.logger.Debug("discarding stale result", "source", source)
		return
	}
	switch {
	case err == nil:
		b.snap = Snapshot{State: StateLoaded, Source: source, Image: img, gen: gen}
	case errors.Is(err, imagecache.ErrCancelled):
		b.snap = Snapshot{State: StateCancelled, Source: source, Err: err, gen: gen}
	default:
		b.snap = Snapshot{State: StateFailed, Source: source, Err: err, Retryable: imagecache.IsRetryable(err), gen: gen}
	}
	b.cancel()
	b.cancel = nil
	close(done)
	snap := b.snap
	b.mu.Unlock()

	if snap.State == StateFailed {
		b.logger.Debug("load failed", "source", source, "error", err, "retryable", snap.Retryable)
	}
	b.notify(snap)
}

// stopLocked cancels the in-progress load and releases its waiters.
// Must be called with b.mu held.
func (b *Binding) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
	close(b.done)
}

// notify delivers snap unless a snapshot from a later generation has
// already been delivered.
func (b *Binding) notify(snap Snapshot) {
	if b.observer == nil {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if snap.gen < b.delivered {
		return
	}
	b.delivered = snap.gen
	b.observer(snap)
}
