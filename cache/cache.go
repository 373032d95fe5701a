// Package cache resolves image sources through the memory tier, the disk
// tier and finally the network, sharing one fetch between concurrent
// callers of the same source.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/disk"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/expiry"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/memory"
	"github.com/wolfeidau/image-cache/telemetry"
)

var errDiskMiss = errors.New("disk miss")

// Cache is the tiered image cache. It is safe for concurrent use.
type Cache struct {
	memory   *memory.Store
	disk     *disk.Store
	fetcher  Fetcher
	inflight *download.Downloader
	promote  singleflight.Group
	expiry   *expiry.Manager
	now      func() time.Time
	logger   *slog.Logger
}

// Stats is a snapshot of both tiers and the in-flight table.
type Stats struct {
	Memory   memory.Stats `json:"memory"`
	Disk     disk.Usage   `json:"disk"`
	InFlight int          `json:"in_flight"`
}

// New opens the disk tier under cfg.Root and builds the cache. When
// cfg.DiskMaxAge is set, an expiry manager runs in the background until ctx
// ends or Close is called.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errors.New("cache root is required")
	}
	cfg.applyDefaults()
	logger := cfg.Logger

	diskStore, err := disk.Open(ctx, cfg.Root, disk.Config{
		MaxSize: cfg.DiskMaxSize,
		Logger:  logger,
		Now:     cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(
			fetch.WithTimeout(cfg.FetchTimeout),
			fetch.WithRateLimit(cfg.FetchRate, cfg.MaxConcurrentFetches),
			fetch.WithUserAgent(userAgent(cfg.UserAgent)),
			fetch.WithLogger(logger),
		)
	}

	c := &Cache{
		memory: memory.New(memory.Config{
			MaxCost:    cfg.MemoryMaxCost,
			MaxEntries: cfg.MemoryMaxEntries,
			Logger:     logger,
		}),
		disk:    diskStore,
		fetcher: fetcher,
		inflight: download.New(
			download.WithMaxConcurrent(cfg.MaxConcurrentFetches),
			download.WithLogger(logger),
		),
		now:    cfg.Now,
		logger: logger.With("component", "cache"),
	}

	if cfg.DiskMaxAge > 0 {
		c.expiry = expiry.NewManager(diskStore, expiry.Config{
			MaxAge:        cfg.DiskMaxAge,
			CheckInterval: cfg.ExpiryCheckInterval,
			Logger:        logger,
			Now:           cfg.Now,
		})
		if err := c.expiry.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	return c, nil
}

func userAgent(ua string) string {
	if ua == "" {
		return fetch.DefaultUserAgent
	}
	return ua
}

// Resolve returns the image for source from the first tier that has it.
//
// A memory hit returns without I/O. A disk hit is decoded and promoted into
// memory. Otherwise the caller attaches to the in-flight fetch for the
// source, starting one if needed; a successful fetch is written to disk and
// memory before every attached caller receives it.
//
// Cancelling ctx detaches only this caller and returns an error wrapping
// imagecache.ErrCancelled. The fetch is aborted when its last caller
// detaches.
func (c *Cache) Resolve(ctx context.Context, source string) (*imagecache.Image, error) {
	if err := imagecache.ValidateSource(source); err != nil {
		return nil, err
	}
	key := imagecache.KeyFor(source)

	if img, ok := c.memory.Get(key); ok {
		telemetry.RecordLookup(ctx, telemetry.TierMemory, true)
		return img, nil
	}
	telemetry.RecordLookup(ctx, telemetry.TierMemory, false)

	img, err := c.loadFromDisk(ctx, key)
	if err == nil {
		telemetry.RecordLookup(ctx, telemetry.TierDisk, true)
		return img, nil
	}
	telemetry.RecordLookup(ctx, telemetry.TierDisk, false)

	img, shared, err := c.inflight.Do(ctx, key, func(opCtx context.Context) (*imagecache.Image, error) {
		return c.fetchAndStore(opCtx, key, source)
	})
	if err != nil {
		if !errors.Is(err, imagecache.ErrCancelled) {
			c.logger.Debug("resolve failed", "source", source, "shared", shared, "error", err)
		}
		return nil, err
	}
	return img, nil
}

// Tier reports which tier would answer source right now without touching
// recency: memory, disk or network.
func (c *Cache) Tier(ctx context.Context, source string) string {
	key := imagecache.KeyFor(source)
	if c.memory.Contains(key) {
		return telemetry.TierMemory
	}
	if c.disk.Contains(ctx, key) {
		return telemetry.TierDisk
	}
	return telemetry.TierNetwork
}

// loadFromDisk reads, decodes and promotes key. Concurrent loads of one key
// share a single read, which runs to completion regardless of ctx.
func (c *Cache) loadFromDisk(ctx context.Context, key imagecache.Hash) (*imagecache.Image, error) {
	ch := c.promote.DoChan(key.String(), func() (any, error) {
		// Disk reads are short; finish them even if the first caller leaves.
		dctx := context.WithoutCancel(ctx)

		if img, ok := c.memory.Get(key); ok {
			return img, nil
		}
		data, ok := c.disk.Read(dctx, key)
		if !ok {
			return nil, errDiskMiss
		}
		img, err := imagecache.Decode(key, data)
		if err != nil {
			c.logger.Warn("removing undecodable disk record", "key", key.ShortString(), "error", err)
			if err := c.disk.Remove(dctx, key); err != nil {
				c.logger.Warn("failed to remove disk record", "key", key.ShortString(), "error", err)
			}
			return nil, errDiskMiss
		}
		c.memory.Put(key, img, img.Cost())
		return img, nil
	})

	// A disk hit is a cache hit and is delivered even if ctx ends meanwhile.
	res := <-ch
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*imagecache.Image), nil
}

// fetchAndStore runs inside the in-flight operation for key.
func (c *Cache) fetchAndStore(ctx context.Context, key imagecache.Hash, source string) (*imagecache.Image, error) {
	// A previous operation may have filled memory after this caller missed.
	if img, ok := c.memory.Get(key); ok {
		return img, nil
	}

	data, err := c.fetcher.Fetch(ctx, source)
	if err != nil {
		telemetry.RecordLookup(ctx, telemetry.TierNetwork, false)
		return nil, err
	}

	img, err := imagecache.Decode(key, data)
	if err != nil {
		telemetry.RecordLookup(ctx, telemetry.TierNetwork, false)
		return nil, err
	}

	// Nothing is stored for an aborted operation.
	if err := ctx.Err(); err != nil {
		return nil, imagecache.Cancelled(context.Cause(ctx))
	}
	telemetry.RecordLookup(ctx, telemetry.TierNetwork, true)

	if err := c.disk.Write(ctx, key, data); err != nil {
		c.logger.Warn("failed to write disk record", "key", key.ShortString(), "error", err)
	}
	c.memory.Put(key, img, img.Cost())

	c.logger.Debug("fetched and stored image",
		"source", source,
		"key", key.ShortString(),
		"bytes", len(data),
		"format", img.Format)
	return img, nil
}

// Abort stops the in-flight fetch for source for every attached caller, for
// use when the source itself is unwanted. A single consumer cancels only its
// own attachment through its context or Request.Cancel. Abort reports
// whether a fetch was in flight.
func (c *Cache) Abort(source string) bool {
	return c.inflight.Cancel(imagecache.KeyFor(source))
}

// CancelAll aborts every in-flight fetch and returns how many there were.
func (c *Cache) CancelAll() int {
	return c.inflight.CancelAll()
}

// InFlight returns the number of fetches in flight.
func (c *Cache) InFlight() int {
	return c.inflight.InFlight()
}

// Invalidate removes source from memory and disk. An in-flight fetch for it
// is left alone.
func (c *Cache) Invalidate(ctx context.Context, source string) error {
	if err := imagecache.ValidateSource(source); err != nil {
		return err
	}
	key := imagecache.KeyFor(source)
	c.memory.Remove(key)
	if err := c.disk.Remove(ctx, key); err != nil {
		return fmt.Errorf("invalidating %s: %w", source, err)
	}
	c.logger.Debug("invalidated", "source", source, "key", key.ShortString())
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.memory.Clear()
	if err := c.disk.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// TrimMemory evicts from the memory tier down to targetCost, for use on a
// host memory pressure signal. It returns the number of images evicted.
func (c *Cache) TrimMemory(targetCost int64) int {
	n := c.memory.Trim(targetCost)
	if n > 0 {
		c.logger.Info("trimmed memory tier", "evicted", n, "target_cost", targetCost)
	}
	return n
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	usage, err := c.disk.Usage(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Memory:   c.memory.Stats(),
		Disk:     usage,
		InFlight: c.inflight.InFlight(),
	}, nil
}

// Expire runs one expiry pass removing disk records idle longer than
// olderThan, then sweeps the disk tier.
func (c *Cache) Expire(ctx context.Context, olderThan time.Duration) *expiry.ExpireResult {
	mgr := c.expiry
	if mgr == nil {
		mgr = expiry.NewManager(c.disk, expiry.Config{Logger: c.logger, Now: c.now})
	}
	result := mgr.ForceExpire(ctx, olderThan)
	sweep := c.disk.Sweep(ctx)
	result.Swept = sweep.Removed
	result.BytesFreed += sweep.BytesFreed
	return result
}

// Close aborts in-flight fetches and stops the expiry manager.
func (c *Cache) Close() error {
	c.inflight.CancelAll()
	if c.expiry != nil {
		c.expiry.Stop()
	}
	return nil
}
