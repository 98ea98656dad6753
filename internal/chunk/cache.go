package chunk

import (
	"sync"
	"time"
)

// Key identifies one processed chunk: the track, the chunk index, and the
// settings fingerprint the window was processed under.
type Key struct {
	TrackID     string
	Index       int
	Fingerprint string
}

type cacheEntry struct {
	pcm     []int16
	storedAt time.Time
}

// Cache stores raw processed windows so repeated seeks over the same region
// do not recompute them. Entries are the pre-blend window output, so they are
// valid for any session regardless of that session's tail. Capacity-bounded
// with a TTL; get, put and invalidate are atomic with respect to each other.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[Key]cacheEntry
}

// NewCache creates a chunk cache with the given capacity and entry TTL.
func NewCache(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[Key]cacheEntry),
	}
}

// Get returns the cached window for key, or false when absent or expired.
func (c *Cache) Get(key Key) ([]int16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.pcm, true
}

// Put stores a processed window. When full, the oldest entry makes room;
// victims are chosen from a snapshot of keys, never while ranging the live map.
func (c *Cache) Put(key Key, pcm []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		keys := make([]Key, 0, len(c.entries))
		for k := range c.entries {
			keys = append(keys, k)
		}
		var victim Key
		var oldest time.Time
		for i, k := range keys {
			if at := c.entries[k].storedAt; i == 0 || at.Before(oldest) {
				victim = k
				oldest = at
			}
		}
		delete(c.entries, victim)
	}

	c.entries[key] = cacheEntry{pcm: pcm, storedAt: time.Now()}
}

// Invalidate removes key from the cache. Called after a processing failure so
// a later Get never serves data from a failed or partial computation.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
