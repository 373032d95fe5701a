package cache

import (
	"context"

	imagecache "github.com/wolfeidau/image-cache"
)

// Request is one consumer's attachment to a resolve. Cancelling it detaches
// only this consumer.
type Request struct {
	Source string

	cancel context.CancelFunc
	done   chan struct{}
	img    *imagecache.Image
	err    error
}

// Request starts resolving source in the background and returns a handle
// for it. The request ends with ctx, on Cancel, or when the resolve settles.
func (c *Cache) Request(ctx context.Context, source string) *Request {
	rctx, cancel := context.WithCancel(ctx)
	r := &Request{
		Source: source,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer cancel()
		r.img, r.err = c.Resolve(rctx, source)
	}()
	return r
}

// Cancel detaches this consumer. Cancelling a settled request is a no-op.
func (r *Request) Cancel() {
	r.cancel()
}

// Done is closed once the request has settled.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the request settles and returns its outcome.
func (r *Request) Result() (*imagecache.Image, error) {
	<-r.done
	return r.img, r.err
}
