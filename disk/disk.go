// Package disk implements the on-disk tier of the image cache. Records are
// raw payload bytes stored flat under a root directory, named by the hex
// cache key. A record's modification time is its last-access time.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/telemetry"
)

// DefaultMaxSize is the default disk ceiling (500 MB).
const DefaultMaxSize int64 = 500 * 1000 * 1000

// Config configures a Store.
type Config struct {
	// MaxSize is the ceiling on the summed size of all records. When a write
	// pushes the total over it, records are removed oldest-access first until
	// the total is at most half of MaxSize. Zero uses DefaultMaxSize.
	MaxSize int64

	// Logger for storage errors and sweep results. Defaults to slog.Default().
	Logger *slog.Logger

	// Now returns the current time used for access timestamps.
	// Defaults to time.Now.
	Now func() time.Time
}

// Record describes one stored payload.
type Record struct {
	Key        imagecache.Hash
	Size       int64
	LastAccess time.Time
}

// Usage summarizes the store contents.
type Usage struct {
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
	MaxSize int64 `json:"max_size"`
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Scanned    int
	Removed    int
	BytesFreed int64
	Remaining  int64
	Skipped    bool
	Duration   time.Duration
}

// Store is the disk tier. Reads and writes may run concurrently; sweeps are
// serialized.
type Store struct {
	backend backend.LocalBackend
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time

	sweepMu sync.Mutex
	// estimate is an upper bound on the bytes stored, used to skip the
	// directory enumeration when a write cannot have crossed the ceiling.
	estimate atomic.Int64
}

// Open creates a Store backed by an instrumented filesystem rooted at root.
func Open(ctx context.Context, root string, cfg Config) (*Store, error) {
	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("opening disk store: %w", err)
	}
	return New(ctx, backend.NewInstrumentedBackend(fs, "disk"), cfg), nil
}

// New creates a Store over b and seeds its size estimate from the existing
// records.
func New(ctx context.Context, b backend.LocalBackend, cfg Config) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		backend: b,
		maxSize: cfg.MaxSize,
		logger:  cfg.Logger.With("component", "disk"),
		now:     cfg.Now,
	}

	records, err := s.Entries(ctx)
	if err != nil {
		s.logger.Warn("failed to size disk store, next write will sweep", "error", err)
		s.estimate.Store(s.maxSize + 1)
		return s
	}
	var total int64
	for _, r := range records {
		total += r.Size
	}
	s.estimate.Store(total)
	return s
}

// MaxSize returns the configured ceiling.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Read returns the payload for key. Any failure, including a missing record,
// is reported as absent. A successful read refreshes the access time.
func (s *Store) Read(ctx context.Context, key imagecache.Hash) ([]byte, bool) {
	name := key.String()

	rc, err := s.backend.Read(ctx, name)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			s.logStorageError("read", key, err)
		}
		return nil, false
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		s.logStorageError("read", key, err)
		return nil, false
	}

	if err := s.backend.Touch(ctx, name, s.now()); err != nil && !errors.Is(err, backend.ErrNotFound) {
		s.logStorageError("touch", key, err)
	}
	return data, true
}

// Write stores data under key atomically, then sweeps if the store may have
// grown past its ceiling. The returned error wraps imagecache.ErrStorage and
// is meant to be logged, not propagated.
func (s *Store) Write(ctx context.Context, key imagecache.Hash, data []byte) error {
	name := key.String()

	if err := s.backend.Write(ctx, name, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: writing %s: %w", imagecache.ErrStorage, key.ShortString(), err)
	}
	if err := s.backend.Touch(ctx, name, s.now()); err != nil {
		s.logStorageError("touch", key, err)
	}

	if s.estimate.Add(int64(len(data))) > s.maxSize {
		s.Sweep(ctx)
	}
	return nil
}

// Contains reports whether a record exists for key without refreshing its
// access time.
func (s *Store) Contains(ctx context.Context, key imagecache.Hash) bool {
	_, err := s.backend.Stat(ctx, key.String())
	return err == nil
}

// Remove deletes the record for key. Removing a missing record is not an error.
//
// Removes are serialized with sweeps so that each record's size leaves the
// estimate exactly once, whichever of them unlinks it.
func (s *Store) Remove(ctx context.Context, key imagecache.Hash) error {
	name := key.String()

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	entry, statErr := s.backend.Stat(ctx, name)
	if statErr != nil {
		if errors.Is(statErr, backend.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: removing %s: %w", imagecache.ErrStorage, key.ShortString(), statErr)
	}
	if err := s.backend.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: removing %s: %w", imagecache.ErrStorage, key.ShortString(), err)
	}
	s.subtractEstimate(entry.Size)
	return nil
}

// subtractEstimate lowers the estimate by n without letting it go negative.
func (s *Store) subtractEstimate(n int64) {
	for {
		cur := s.estimate.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if s.estimate.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Clear deletes the storage root and recreates it empty.
func (s *Store) Clear(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if err := s.backend.Reset(ctx); err != nil {
		return fmt.Errorf("%w: clearing: %w", imagecache.ErrStorage, err)
	}
	s.estimate.Store(0)
	s.logger.Info("disk store cleared")
	return nil
}

// Entries lists every record. Files in the root that are not named by a
// cache key are ignored.
func (s *Store) Entries(ctx context.Context) ([]Record, error) {
	entries, err := s.backend.Entries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %w", imagecache.ErrStorage, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		key, err := imagecache.ParseHash(e.Key)
		if err != nil {
			continue
		}
		records = append(records, Record{Key: key, Size: e.Size, LastAccess: e.ModTime})
	}
	return records, nil
}

// Usage returns the record count and total bytes.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	records, err := s.Entries(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Records: len(records), MaxSize: s.maxSize}
	for _, r := range records {
		u.Bytes += r.Size
	}
	return u, nil
}

// Sweep enumerates the records and, if their total exceeds the ceiling,
// removes them oldest-access first (ties by key) until the total is at most
// half the ceiling. Records that vanish before they can be removed are
// skipped.
func (s *Store) Sweep(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := s.now()
	before := s.estimate.Load()

	records, err := s.Entries(ctx)
	if err != nil {
		s.logger.Warn("sweep failed to list records", "error", err)
		return SweepResult{Skipped: true}
	}

	var total int64
	for _, r := range records {
		total += r.Size
	}
	result := SweepResult{Scanned: len(records)}

	if total > s.maxSize {
		sort.Slice(records, func(i, j int) bool {
			if records[i].LastAccess.Equal(records[j].LastAccess) {
				return records[i].Key.String() < records[j].Key.String()
			}
			return records[i].LastAccess.Before(records[j].LastAccess)
		})

		target := s.maxSize / 2
		for _, r := range records {
			if total <= target {
				break
			}
			if err := s.backend.Delete(ctx, r.Key.String()); err != nil {
				s.logStorageError("sweep", r.Key, err)
				continue
			}
			total -= r.Size
			result.Removed++
			result.BytesFreed += r.Size
			s.logger.Debug("swept record",
				"key", r.Key.ShortString(),
				"size", r.Size,
				"last_access", r.LastAccess)
		}
	}

	// Writes that landed during the sweep moved the estimate past before;
	// keep their contribution on top of the measured total.
	s.estimate.Add(total - before)

	result.Remaining = total
	result.Duration = s.now().Sub(start)
	telemetry.RecordDiskSweep(ctx, result.Removed, result.BytesFreed, total, result.Duration)

	if result.Removed > 0 {
		s.logger.Info("disk sweep complete",
			"removed", result.Removed,
			"bytes_freed", result.BytesFreed,
			"remaining", result.Remaining,
			"duration", result.Duration)
	}
	return result
}

func (s *Store) logStorageError(op string, key imagecache.Hash, err error) {
	s.logger.Warn("disk storage error",
		"op", op,
		"key", key.ShortString(),
		"error", fmt.Errorf("%w: %w", imagecache.ErrStorage, err))
}
