package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/image-cache/disk"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/memory"
)

// Fetcher retrieves the raw bytes for a source. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

var _ Fetcher = (*fetch.Client)(nil)

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, source string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, source string) ([]byte, error) {
	return f(ctx, source)
}

// Config holds the cache configuration.
type Config struct {
	// Root is the directory holding disk records. Required.
	Root string

	// MemoryMaxCost bounds the summed cost of images held in memory.
	MemoryMaxCost int64

	// MemoryMaxEntries bounds the number of images held in memory.
	MemoryMaxEntries int

	// DiskMaxSize is the disk ceiling in bytes.
	DiskMaxSize int64

	// MaxConcurrentFetches bounds simultaneous network fetches.
	MaxConcurrentFetches int

	// FetchTimeout bounds a single fetch attempt. Ignored when Fetcher is set.
	FetchTimeout time.Duration

	// FetchRate paces fetch starts per second; zero leaves them unpaced.
	// Ignored when Fetcher is set.
	FetchRate float64

	// UserAgent sent with fetches. Ignored when Fetcher is set.
	UserAgent string

	// DiskMaxAge removes disk records idle for longer than this. Zero
	// disables age expiry and the background manager.
	DiskMaxAge time.Duration

	// ExpiryCheckInterval is how often the expiry manager runs.
	ExpiryCheckInterval time.Duration

	// Fetcher overrides the HTTP fetcher.
	Fetcher Fetcher

	// Now overrides the clock used for disk access times.
	Now func() time.Time

	// Logger for cache events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:                 root,
		MemoryMaxCost:        memory.DefaultMaxCost,
		MemoryMaxEntries:     memory.DefaultMaxEntries,
		DiskMaxSize:          disk.DefaultMaxSize,
		MaxConcurrentFetches: 6,
		FetchTimeout:         fetch.DefaultTimeout,
		ExpiryCheckInterval:  time.Hour,
		Logger:               slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Root)
	if c.MemoryMaxCost <= 0 {
		c.MemoryMaxCost = d.MemoryMaxCost
	}
	if c.MemoryMaxEntries <= 0 {
		c.MemoryMaxEntries = d.MemoryMaxEntries
	}
	if c.DiskMaxSize <= 0 {
		c.DiskMaxSize = d.DiskMaxSize
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = d.MaxConcurrentFetches
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.ExpiryCheckInterval <= 0 {
		c.ExpiryCheckInterval = d.ExpiryCheckInterval
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}
