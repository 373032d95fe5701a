// Package expiry removes disk records that have not been read or written
// for longer than a maximum age, then sweeps the disk tier back under its
// ceiling.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/disk"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Store is the part of the disk tier the manager works on.
type Store interface {
	Entries(ctx context.Context) ([]disk.Record, error)
	Remove(ctx context.Context, key imagecache.Hash) error
	Sweep(ctx context.Context) disk.SweepResult
}

// Config holds expiration configuration.
type Config struct {
	// MaxAge is how long a record may go without access before it is
	// removed. Zero disables age-based expiration; the periodic sweep
	// still runs.
	MaxAge time.Duration

	// CheckInterval is how often to run expiration checks.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:        0,
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager runs expiration checks against the disk tier.
type Manager struct {
	config Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		config: cfg,
		store:  store,
		logger: cfg.Logger.With("component", "expiry"),
		now:    cfg.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks and waits for a running check to
// finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	Expired    int
	Swept      int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	m.logger.Debug("starting expiration check")

	if m.config.MaxAge > 0 {
		m.expireOlderThan(ctx, m.config.MaxAge, result)
	}

	sweep := m.store.Sweep(ctx)
	result.Swept = sweep.Removed
	result.BytesFreed += sweep.BytesFreed
	if sweep.Skipped {
		result.Errors++
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "expiry", result.Expired+result.Swept, result.Duration)

	if result.Expired > 0 || result.Swept > 0 {
		m.logger.Info("expiration complete",
			"expired", result.Expired,
			"swept", result.Swept,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}

// ForceExpire immediately removes records not accessed within olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}
	m.expireOlderThan(ctx, olderThan, result)
	result.Duration = m.now().Sub(start)
	return result
}

func (m *Manager) expireOlderThan(ctx context.Context, age time.Duration, result *ExpireResult) {
	records, err := m.store.Entries(ctx)
	if err != nil {
		m.logger.Error("failed to list records", "error", err)
		result.Errors++
		return
	}

	cutoff := m.now().Add(-age)
	for _, r := range records {
		if !r.LastAccess.Before(cutoff) {
			continue
		}
		if err := m.store.Remove(ctx, r.Key); err != nil {
			m.logger.Warn("failed to remove expired record",
				"key", r.Key.ShortString(),
				"error", err,
			)
			result.Errors++
			continue
		}
		result.Expired++
		result.BytesFreed += r.Size
		m.logger.Debug("expired record",
			"key", r.Key.ShortString(),
			"last_access", r.LastAccess,
			"age", m.now().Sub(r.LastAccess),
		)
	}
}
