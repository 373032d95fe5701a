package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
)

func key(i int) imagecache.Hash {
	return imagecache.KeyFor(fmt.Sprintf("https://img.example.com/covers/low/%d", i))
}

func img(i int) *imagecache.Image {
	return &imagecache.Image{Key: key(i), Data: []byte{byte(i)}}
}

func TestNewDefaults(t *testing.T) {
	s := New(Config{})
	st := s.Stats()
	require.Equal(t, DefaultMaxCost, st.MaxCost)
	require.Equal(t, DefaultMaxEntries, st.MaxEntries)
	require.Zero(t, st.Entries)
}

func TestGetPut(t *testing.T) {
	s := New(Config{MaxCost: 1000, MaxEntries: 10})

	_, ok := s.Get(key(1))
	require.False(t, ok)

	s.Put(key(1), img(1), 100)

	got, ok := s.Get(key(1))
	require.True(t, ok)
	require.Equal(t, img(1), got)
	require.Equal(t, int64(100), s.Cost())
	require.Equal(t, 1, s.Len())

	st := s.Stats()
	require.Equal(t, int64(1), st.Hits)
	require.Equal(t, int64(1), st.Misses)
}

func TestPutReplaceAdjustsCost(t *testing.T) {
	s := New(Config{MaxCost: 1000, MaxEntries: 10})

	s.Put(key(1), img(1), 100)
	s.Put(key(1), img(1), 300)

	require.Equal(t, 1, s.Len())
	require.Equal(t, int64(300), s.Cost())
}

func TestEvictByCostLeastRecentlyUsedFirst(t *testing.T) {
	s := New(Config{MaxCost: 300, MaxEntries: 10})

	s.Put(key(1), img(1), 100)
	s.Put(key(2), img(2), 100)
	s.Put(key(3), img(3), 100)

	// Touch 1 so 2 becomes the least recently used.
	_, ok := s.Get(key(1))
	require.True(t, ok)

	s.Put(key(4), img(4), 100)

	require.True(t, s.Contains(key(1)))
	require.False(t, s.Contains(key(2)))
	require.True(t, s.Contains(key(3)))
	require.True(t, s.Contains(key(4)))
	require.Equal(t, int64(300), s.Cost())
	require.Equal(t, int64(1), s.Stats().Evictions)
}

func TestEvictByCountInsertionOrderTieBreak(t *testing.T) {
	s := New(Config{MaxCost: 1 << 30, MaxEntries: 2})

	s.Put(key(1), img(1), 1)
	s.Put(key(2), img(2), 1)
	s.Put(key(3), img(3), 1)

	require.False(t, s.Contains(key(1)), "earliest insertion evicted first")
	require.True(t, s.Contains(key(2)))
	require.True(t, s.Contains(key(3)))
	require.Equal(t, 2, s.Len())
}

func TestEvictMultipleForLargeEntry(t *testing.T) {
	s := New(Config{MaxCost: 300, MaxEntries: 10})

	s.Put(key(1), img(1), 100)
	s.Put(key(2), img(2), 100)
	s.Put(key(3), img(3), 100)
	s.Put(key(4), img(4), 250)

	require.Equal(t, 1, s.Len())
	require.True(t, s.Contains(key(4)))
	require.Equal(t, int64(250), s.Cost())
}

func TestOversizedEntryNotRetained(t *testing.T) {
	s := New(Config{MaxCost: 100, MaxEntries: 10})

	s.Put(key(1), img(1), 50)
	s.Put(key(2), img(2), 101)

	require.False(t, s.Contains(key(2)))
	require.True(t, s.Contains(key(1)), "existing entries untouched")
	require.Equal(t, int64(50), s.Cost())
}

func TestOversizedReplaceDropsOldValue(t *testing.T) {
	s := New(Config{MaxCost: 100, MaxEntries: 10})

	s.Put(key(1), img(1), 50)
	s.Put(key(1), img(1), 500)

	require.False(t, s.Contains(key(1)))
	require.Zero(t, s.Cost())
}

func TestRemoveAndClear(t *testing.T) {
	s := New(Config{MaxCost: 1000, MaxEntries: 10})

	s.Put(key(1), img(1), 10)
	s.Put(key(2), img(2), 20)

	s.Remove(key(1))
	require.False(t, s.Contains(key(1)))
	require.Equal(t, int64(20), s.Cost())

	// Removing a missing key is a no-op
	s.Remove(key(99))

	s.Clear()
	require.Zero(t, s.Len())
	require.Zero(t, s.Cost())
	_, ok := s.Get(key(2))
	require.False(t, ok)
}

func TestTrim(t *testing.T) {
	s := New(Config{MaxCost: 1000, MaxEntries: 10})

	for i := 1; i <= 5; i++ {
		s.Put(key(i), img(i), 100)
	}

	n := s.Trim(250)
	require.Equal(t, 3, n)
	require.Equal(t, int64(200), s.Cost())
	require.True(t, s.Contains(key(4)))
	require.True(t, s.Contains(key(5)))

	n = s.Trim(0)
	require.Equal(t, 2, n)
	require.Zero(t, s.Len())
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Config{MaxCost: 5000, MaxEntries: 50})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := (w*200 + i) % 100
				s.Put(key(k), img(k), 100)
				s.Get(key((k + 1) % 100))
				if i%17 == 0 {
					s.Remove(key(k))
				}
			}
		}(w)
	}
	wg.Wait()

	st := s.Stats()
	require.LessOrEqual(t, st.Cost, int64(5000))
	require.LessOrEqual(t, st.Entries, 50)
}
