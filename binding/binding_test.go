package binding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
)

// gatedResolver blocks each resolve until released for its source.
type gatedResolver struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	errs    map[string]error
	started chan string
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{
		gates:   make(map[string]chan struct{}),
		errs:    make(map[string]error),
		started: make(chan string, 16),
	}
}

func (r *gatedResolver) gate(source string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[source]
	if !ok {
		g = make(chan struct{})
		r.gates[source] = g
	}
	return g
}

func (r *gatedResolver) release(source string) {
	close(r.gate(source))
}

func (r *gatedResolver) fail(source string, err error) {
	r.mu.Lock()
	r.errs[source] = err
	r.mu.Unlock()
}

func (r *gatedResolver) Resolve(ctx context.Context, source string) (*imagecache.Image, error) {
	g := r.gate(source)
	r.started <- source
	select {
	case <-g:
	case <-ctx.Done():
		return nil, imagecache.Cancelled(ctx.Err())
	}
	r.mu.Lock()
	err := r.errs[source]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &imagecache.Image{Key: imagecache.KeyFor(source), Data: []byte(source)}, nil
}

func wait(t *testing.T, b *Binding) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := b.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestBindLoads(t *testing.T) {
	r := newGatedResolver()
	var mu sync.Mutex
	var states []State
	b := New(r, WithObserver(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}))

	require.Equal(t, StateIdle, b.Snapshot().State)

	b.Bind("https://img.example.com/covers/low/a")
	<-r.started
	require.Equal(t, StateLoading, b.Snapshot().State)

	r.release("https://img.example.com/covers/low/a")
	snap := wait(t, b)
	require.Equal(t, StateLoaded, snap.State)
	require.Equal(t, []byte("https://img.example.com/covers/low/a"), snap.Image.Data)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateLoading, StateLoaded}, states)
}

func TestRebindDiscardsStaleResult(t *testing.T) {
	r := newGatedResolver()
	b := New(r)

	b.Bind("first")
	<-r.started
	b.Bind("second")
	<-r.started

	r.release("second")
	snap := wait(t, b)
	require.Equal(t, StateLoaded, snap.State)
	require.Equal(t, "second", snap.Source)

	// The first load was cancelled; releasing it changes nothing.
	r.release("first")
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, "second", b.Snapshot().Source)
}

func TestUnbindResetsToIdle(t *testing.T) {
	r := newGatedResolver()
	var mu sync.Mutex
	var last Snapshot
	b := New(r, WithObserver(func(s Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	}))

	b.Bind("a")
	<-r.started
	b.Unbind()

	snap := wait(t, b)
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.Source)

	r.release("a")
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StateIdle, last.State)
}

func TestFailureIsRetryable(t *testing.T) {
	r := newGatedResolver()
	b := New(r)
	r.fail("a", &imagecache.HTTPStatusError{StatusCode: 503, Source: "a"})

	b.Bind("a")
	<-r.started
	r.release("a")

	snap := wait(t, b)
	require.Equal(t, StateFailed, snap.State)
	require.True(t, snap.Retryable)

	r.fail("a", nil)
	require.True(t, b.Retry())
	<-r.started
	snap = wait(t, b)
	require.Equal(t, StateLoaded, snap.State)
	require.Nil(t, snap.Err)
}

func TestInvalidSourceNotRetryable(t *testing.T) {
	r := newGatedResolver()
	b := New(r)
	r.fail("bad", imagecache.ErrInvalidSource)
	r.release("bad")

	b.Bind("bad")
	snap := wait(t, b)
	require.Equal(t, StateFailed, snap.State)
	require.False(t, snap.Retryable)
	require.ErrorIs(t, snap.Err, imagecache.ErrInvalidSource)
}

func TestCancelThenRetry(t *testing.T) {
	r := newGatedResolver()
	b := New(r)

	b.Bind("a")
	<-r.started
	b.Cancel()

	snap := wait(t, b)
	require.Equal(t, StateCancelled, snap.State)
	require.Equal(t, "a", snap.Source)
	require.True(t, errors.Is(snap.Err, imagecache.ErrCancelled))

	require.True(t, b.Retry())
	<-r.started
	r.release("a")
	snap = wait(t, b)
	require.Equal(t, StateLoaded, snap.State)
}

func TestRemoteCancelSetsCancelled(t *testing.T) {
	b := New(resolverFunc(func(ctx context.Context, source string) (*imagecache.Image, error) {
		return nil, imagecache.Cancelled(context.Canceled)
	}))

	b.Bind("a")
	snap := wait(t, b)
	require.Equal(t, StateCancelled, snap.State)
	require.False(t, snap.Retryable)
}

func TestObserverNeverSeesOlderGeneration(t *testing.T) {
	var seen []State
	b := New(newGatedResolver(), WithObserver(func(s Snapshot) {
		seen = append(seen, s.State)
	}))

	// A load result losing the race to a later Unbind.
	b.notify(Snapshot{State: StateLoading, Source: "a", gen: 1})
	b.notify(Snapshot{State: StateIdle, gen: 2})
	b.notify(Snapshot{State: StateLoaded, Source: "a", gen: 1})

	require.Equal(t, []State{StateLoading, StateIdle}, seen)
}

func TestRetryWhenNotFailed(t *testing.T) {
	b := New(newGatedResolver())
	require.False(t, b.Retry())
}

func TestWaitHonoursContext(t *testing.T) {
	r := newGatedResolver()
	b := New(r)
	b.Bind("slow")
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	snap, err := b.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateLoading, snap.State)

	b.Unbind()
}

type resolverFunc func(ctx context.Context, source string) (*imagecache.Image, error)

func (f resolverFunc) Resolve(ctx context.Context, source string) (*imagecache.Image, error) {
	return f(ctx, source)
}
