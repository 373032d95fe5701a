package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/internal/imagetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, fetch cache.FetcherFunc) (*Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	cfg := cache.DefaultConfig(t.TempDir())
	cfg.Logger = discard
	cfg.Fetcher = cache.FetcherFunc(func(ctx context.Context, source string) ([]byte, error) {
		calls.Add(1)
		return fetch(ctx, source)
	})
	c, err := cache.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return New(c, Config{Logger: discard}), &calls
}

func pngFetcher(ctx context.Context, source string) ([]byte, error) {
	return imagetest.PNG(2, 2, 7), nil
}

func imagePath(src string) string {
	return "/image?src=" + url.QueryEscape(src)
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, pngFetcher)
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandleImageTiers(t *testing.T) {
	s, calls := newTestServer(t, pngFetcher)
	src := "https://img.example.com/covers/low/a"

	rec := do(t, s, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "miss", rec.Header().Get("X-Cache"))
	require.Equal(t, imagetest.PNG(2, 2, 7), rec.Body.Bytes())

	rec = do(t, s, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "memory", rec.Header().Get("X-Cache"))

	s.cache.TrimMemory(0)
	rec = do(t, s, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "disk", rec.Header().Get("X-Cache"))

	require.Equal(t, int32(1), calls.Load())
}

func TestHandleImageNotModified(t *testing.T) {
	s, _ := newTestServer(t, pngFetcher)
	src := "https://img.example.com/covers/low/etag"

	rec := do(t, s, http.MethodGet, imagePath(src))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, imagePath(src), nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}

func TestHandleImageErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		err    error
		status int
	}{
		{"invalid source", "ftp://nope", nil, http.StatusBadRequest},
		{"missing source", "", nil, http.StatusBadRequest},
		{"upstream 404", "https://img.example.com/x", &imagecache.HTTPStatusError{StatusCode: 404}, http.StatusNotFound},
		{"upstream 500", "https://img.example.com/x", &imagecache.HTTPStatusError{StatusCode: 500}, http.StatusBadGateway},
		{"network", "https://img.example.com/x", fmt.Errorf("%w: connection refused", imagecache.ErrNetwork), http.StatusBadGateway},
		{"timeout", "https://img.example.com/x", fmt.Errorf("%w: %w", imagecache.ErrNetwork, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"decode", "https://img.example.com/x", fmt.Errorf("%w: bad header", imagecache.ErrDecode), http.StatusBadGateway},
		{"cancelled by admin", "https://img.example.com/x", imagecache.Cancelled(nil), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, func(ctx context.Context, source string) ([]byte, error) {
				return nil, tt.err
			})
			rec := do(t, s, http.MethodGet, imagePath(tt.src))
			require.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestHandleImageClientGone(t *testing.T) {
	started := make(chan struct{})
	s, _ := newTestServer(t, func(ctx context.Context, source string) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, imagecache.Cancelled(ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, imagePath("https://img.example.com/slow"), nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		<-started
		cancel()
	}()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, StatusClientClosedRequest, rec.Code)
}

func TestHandleInvalidate(t *testing.T) {
	s, calls := newTestServer(t, pngFetcher)
	src := "https://img.example.com/covers/low/gone"

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, imagePath(src)).Code)
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, imagePath(src)).Code)

	rec := do(t, s, http.MethodGet, imagePath(src))
	require.Equal(t, "miss", rec.Header().Get("X-Cache"))
	require.Equal(t, int32(2), calls.Load())

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, imagePath("not a url")).Code)
}

func TestHandleAdmin(t *testing.T) {
	s, _ := newTestServer(t, pngFetcher)
	for i := range 3 {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, imagePath(fmt.Sprintf("https://img.example.com/covers/low/%d", i))).Code)
	}

	rec := do(t, s, http.MethodPost, "/cache/trim?target=1B")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"evicted":3}`, rec.Body.String())

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/cache/trim?target=lots").Code)

	rec = do(t, s, http.MethodPost, "/cache/cancel-all")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cancelled":0}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, 3, stats.Disk.Records)
	require.Zero(t, stats.Memory.Entries)
	require.NotEmpty(t, stats.DiskHuman)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/cache/clear").Code)
	rec = do(t, s, http.MethodGet, "/stats")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Zero(t, stats.Disk.Records)
}

func TestStatusForErrorUnknown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.Equal(t, http.StatusInternalServerError, statusForError(ctx, io.ErrUnexpectedEOF))
}

func TestDeriveRoute(t *testing.T) {
	require.Equal(t, "internal", deriveRoute("/health"))
	require.Equal(t, "image", deriveRoute("/image"))
	require.Equal(t, "admin", deriveRoute("/cache/clear"))
	require.Equal(t, "unknown", deriveRoute("/nope"))
}
