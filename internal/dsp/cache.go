package dsp

import (
	"context"
	"log"
	"sync"
	"time"
)

// Factory builds an engine for one settings fingerprint. It may be expensive;
// the cache guarantees it runs at most once per fingerprint at a time.
type Factory func(s Settings) (Engine, error)

// DefaultFactory builds the built-in engines and, when apiURL is non-empty,
// the remote engine for ModeRemote.
func DefaultFactory(apiURL string) Factory {
	return func(s Settings) (Engine, error) {
		if s.Mode == ModeRemote {
			return NewRemoteEngine(apiURL, s), nil
		}
		return NewLevelEngine(s), nil
	}
}

type cacheEntry struct {
	engine    Engine
	err       error
	createdAt time.Time
	borrowed  int
	ready     chan struct{} // closed once engine/err is set
}

// Cache memoizes engines by settings fingerprint. At most one engine exists
// per fingerprint system-wide: concurrent Acquire calls for an uncached key
// collapse to a single factory invocation. When full it evicts the
// least-recently-created unborrowed entry; if every entry is borrowed the
// cache grows transiently rather than dropping a held engine.
type Cache struct {
	mu       sync.Mutex
	capacity int
	factory  Factory
	entries  map[string]*cacheEntry
}

// NewCache creates an engine cache holding up to capacity entries.
func NewCache(capacity int, factory Factory) *Cache {
	return &Cache{
		capacity: capacity,
		factory:  factory,
		entries:  make(map[string]*cacheEntry),
	}
}

// Lease is a borrowed engine. The holder must call Release exactly once;
// a borrowed engine is never evicted.
type Lease struct {
	cache   *Cache
	key     string
	entry   *cacheEntry
	release sync.Once
}

// Engine returns the borrowed engine.
func (l *Lease) Engine() Engine {
	return l.entry.engine
}

// Release returns the engine to the cache. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.cache.mu.Lock()
		l.entry.borrowed--
		l.cache.mu.Unlock()
	})
}

// Acquire returns a lease on the engine for s, building it on first use.
// Blocks while another caller is building the same engine.
func (c *Cache) Acquire(ctx context.Context, s Settings) (*Lease, error) {
	key := s.Fingerprint()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.borrowed++
		c.mu.Unlock()
		return c.await(ctx, key, e)
	}

	// Not cached: reserve the slot before building so a concurrent Acquire
	// for the same key waits instead of building a second engine.
	c.evictLocked()
	e = &cacheEntry{borrowed: 1, ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	engine, err := c.factory(s)

	c.mu.Lock()
	if err != nil {
		e.err = err
		delete(c.entries, key) // failed builds are not cached
	} else {
		e.engine = engine
		e.createdAt = time.Now()
	}
	c.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, err
	}
	log.Printf("Processor cache: built engine %s", key)
	return &Lease{cache: c, key: key, entry: e}, nil
}

// await waits for an in-flight build of e to finish.
func (c *Cache) await(ctx context.Context, key string, e *cacheEntry) (*Lease, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		c.mu.Lock()
		e.borrowed--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
	if e.err != nil {
		c.mu.Lock()
		e.borrowed--
		c.mu.Unlock()
		return nil, e.err
	}
	return &Lease{cache: c, key: key, entry: e}, nil
}

// evictLocked makes room for one insertion. It walks a snapshot of keys and
// removes the least-recently-created entry that nobody has borrowed. When all
// entries are borrowed nothing is evicted and the cache grows past capacity
// until leases are released. Caller holds c.mu.
func (c *Cache) evictLocked() {
	if len(c.entries) < c.capacity {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}

	var victim string
	var oldest time.Time
	for _, k := range keys {
		e := c.entries[k]
		if e.borrowed > 0 {
			continue
		}
		if victim == "" || e.createdAt.Before(oldest) {
			victim = k
			oldest = e.createdAt
		}
	}

	if victim != "" {
		delete(c.entries, victim)
		log.Printf("Processor cache: evicted engine %s", victim)
	}
}

// Len returns the number of cached engines, including ones being built.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
