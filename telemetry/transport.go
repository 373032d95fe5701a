package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics.
type InstrumentedTransport struct {
	base   http.RoundTripper
	client string
}

// NewInstrumentedTransport creates a new instrumented transport labelled with
// the name of the client using it. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, client string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, client: client}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		RecordUpstreamFetch(req.Context(), t.client, duration, 0, errorOutcome(req.Context()))
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		client:     t.client,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

func errorOutcome(ctx context.Context) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "canceled"
	default:
		return "error"
	}
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	client   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		outcome := b.outcome
		// Body reads aborted by the caller's context count as cancelled fetches.
		if b.ctx.Err() != nil && outcome == "success" {
			outcome = errorOutcome(b.ctx)
		}
		RecordUpstreamFetch(b.ctx, b.client, time.Since(b.start), b.bytes, outcome)
	}
	return b.ReadCloser.Close()
}
