// Package memory implements the in-memory tier of the image cache: a
// recency-ordered map from cache key to decoded image bounded by total cost
// and entry count.
package memory

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

const (
	// DefaultMaxCost is the default cost limit (100 MB).
	DefaultMaxCost int64 = 100 * 1000 * 1000

	// DefaultMaxEntries is the default entry count limit.
	DefaultMaxEntries = 200
)

// Config configures a Store.
type Config struct {
	// MaxCost bounds the summed cost of all entries. Zero uses DefaultMaxCost.
	MaxCost int64

	// MaxEntries bounds the number of entries. Zero uses DefaultMaxEntries.
	MaxEntries int

	// Logger for eviction debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Entries    int   `json:"entries"`
	Cost       int64 `json:"cost"`
	MaxCost    int64 `json:"max_cost"`
	MaxEntries int   `json:"max_entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

type entry struct {
	key  imagecache.Hash
	img  *imagecache.Image
	cost int64
}

// Store is a cost and count bounded LRU of decoded images. It is safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	maxCost    int64
	maxEntries int
	cost       int64
	items      map[imagecache.Hash]*list.Element
	order      *list.List // front is most recently used
	hits       int64
	misses     int64
	evictions  int64
	logger     *slog.Logger
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultMaxCost
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		maxCost:    cfg.MaxCost,
		maxEntries: cfg.MaxEntries,
		items:      make(map[imagecache.Hash]*list.Element),
		order:      list.New(),
		logger:     cfg.Logger.With("component", "memory"),
	}
}

// Get returns the image for key and marks it most recently used.
func (s *Store) Get(key imagecache.Hash) (*imagecache.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	s.order.MoveToFront(elem)
	s.hits++
	return elem.Value.(*entry).img, true
}

// Contains reports whether key is resident without touching its recency.
func (s *Store) Contains(key imagecache.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Put inserts or replaces the image for key, then evicts least recently used
// entries until both limits hold. An image whose cost alone exceeds MaxCost
// is not retained.
func (s *Store) Put(key imagecache.Hash, img *imagecache.Image, cost int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}

	if cost > s.maxCost {
		s.logger.Debug("image exceeds memory cost limit, not retained",
			"key", key.ShortString(),
			"cost", cost,
			"max_cost", s.maxCost)
		return
	}

	s.items[key] = s.order.PushFront(&entry{key: key, img: img, cost: cost})
	s.cost += cost

	s.evictLocked(s.maxCost, s.maxEntries)
	telemetry.UpdateMemoryState(context.Background(), s.cost, len(s.items))
}

// Remove drops key from the store.
func (s *Store) Remove(key imagecache.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[imagecache.Hash]*list.Element)
	s.order.Init()
	s.cost = 0
	telemetry.UpdateMemoryState(context.Background(), 0, 0)
}

// Trim evicts least recently used entries until the total cost is at most
// targetCost. It is the hook for host memory pressure signals; Trim(0) is
// equivalent to Clear. It returns the number of entries evicted.
func (s *Store) Trim(targetCost int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetCost < 0 {
		targetCost = 0
	}
	n := s.evictLocked(targetCost, s.maxEntries)
	telemetry.UpdateMemoryState(context.Background(), s.cost, len(s.items))
	return n
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Cost returns the summed cost of all entries.
func (s *Store) Cost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:    len(s.items),
		Cost:       s.cost,
		MaxCost:    s.maxCost,
		MaxEntries: s.maxEntries,
		Hits:       s.hits,
		Misses:     s.misses,
		Evictions:  s.evictions,
	}
}

// evictLocked removes entries from the back of the list until cost <=
// maxCost and len <= maxEntries. Must be called with s.mu held.
func (s *Store) evictLocked(maxCost int64, maxEntries int) int {
	evicted := 0
	for (s.cost > maxCost || len(s.items) > maxEntries) && s.order.Len() > 0 {
		elem := s.order.Back()
		e := elem.Value.(*entry)
		s.removeElement(elem)
		s.evictions++
		evicted++
		telemetry.RecordMemoryEviction(context.Background(), e.cost)
		s.logger.Debug("evicted image", "key", e.key.ShortString(), "cost", e.cost)
	}
	return evicted
}

func (s *Store) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	s.order.Remove(elem)
	delete(s.items, e.key)
	s.cost -= e.cost
}
