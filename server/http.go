// Package server provides the HTTP front for the image cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

// StatusClientClosedRequest is written when the client goes away before the
// image is resolved.
const StatusClientClosedRequest = 499

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      *cache.Cache
}

// New creates a server answering from c.
func New(c *cache.Cache, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  c,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the server's root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /image", s.handleImage)
	mux.HandleFunc("HEAD /image", s.handleImage)
	mux.HandleFunc("DELETE /image", s.handleInvalidate)

	mux.HandleFunc("POST /cache/clear", s.handleClear)
	mux.HandleFunc("POST /cache/cancel-all", s.handleCancelAll)
	mux.HandleFunc("POST /cache/trim", s.handleTrim)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	cache.Stats
	MemoryHuman string `json:"memory_human"`
	DiskHuman   string `json:"disk_human"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:       stats,
		MemoryHuman: humanize.Bytes(uint64(stats.Memory.Cost)) + " / " + humanize.Bytes(uint64(stats.Memory.MaxCost)),
		DiskHuman:   humanize.Bytes(uint64(stats.Disk.Bytes)) + " / " + humanize.Bytes(uint64(stats.Disk.MaxSize)),
	})
}

// handleImage resolves ?src= and writes the raw image bytes.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "image")
	source := r.URL.Query().Get("src")

	if err := imagecache.ValidateSource(source); err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := cacheResultFor(s.cache.Tier(r.Context(), source))
	telemetry.SetCacheResult(r, result)

	img, err := s.cache.Resolve(r.Context(), source)
	if err != nil {
		status := statusForError(r.Context(), err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("resolve failed", "source", source, "status", status, "error", err)
		}
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Cache", string(result))
	w.Header().Set("ETag", `"`+img.Key.String()+`"`)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, img.Key.String()) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(img.Data)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "image")
	source := r.URL.Query().Get("src")

	if err := s.cache.Invalidate(r.Context(), source); err != nil {
		if errors.Is(err, imagecache.ErrInvalidSource) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "admin")
	if err := s.cache.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "admin")
	n := s.cache.CancelAll()
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// handleTrim evicts the memory tier down to ?target=, a humanized byte size
// such as "10MB". No target empties the memory tier.
func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "admin")
	var target uint64
	if v := r.URL.Query().Get("target"); v != "" {
		var err error
		target, err = humanize.ParseBytes(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parsing target: %w", err))
			return
		}
	}
	n := s.cache.TrimMemory(int64(target))
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

// statusForError maps a resolve error to a response status.
func statusForError(ctx context.Context, err error) int {
	var statusErr *imagecache.HTTPStatusError
	switch {
	case errors.Is(err, imagecache.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, imagecache.ErrCancelled):
		if ctx.Err() != nil {
			return StatusClientClosedRequest
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, imagecache.ErrNetwork), errors.Is(err, imagecache.ErrDecode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func cacheResultFor(tier string) telemetry.CacheResult {
	switch tier {
	case telemetry.TierMemory:
		return telemetry.CacheMemory
	case telemetry.TierDisk:
		return telemetry.CacheDisk
	default:
		return telemetry.CacheMiss
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set route and cache_result.
		r = telemetry.InjectTags(r)
		r = r.WithContext(telemetry.WithRequestID(r.Context(), requestID))
		tags := telemetry.GetTags(r)
		tags.Route = deriveRoute(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. In-flight fetches are left to
// the cache owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/image":
		return "image"
	case strings.HasPrefix(path, "/cache/"):
		return "admin"
	default:
		return "unknown"
	}
}
