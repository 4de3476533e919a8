package vm

import (
	"crypto/sha256"
	"sync"
)

// ---------------------------------------------------------------------------
// Compiled code cache
// ---------------------------------------------------------------------------

// CacheKey is the content address of a program: the sha256 of its encoded
// container bytes. Two byte-identical programs share compiled code.
type CacheKey [sha256.Size]byte

// KeyOf hashes encoded program bytes into a cache key.
func KeyOf(encoded []byte) CacheKey {
	return sha256.Sum256(encoded)
}

// CodeCache maps program content hashes to compiled entries. Eviction is
// oldest-first; the victim's buffer goes back to the pool as soon as no
// runner is pinning it, after which its sites read as poison.
type CodeCache struct {
	mu      sync.Mutex
	pool    *BufferPool
	max     int
	entries map[CacheKey]*NativeEntry
	order   []CacheKey

	hits   uint64
	misses uint64
}

// NewCodeCache builds a cache evicting into the given pool. max bounds the
// number of live entries; zero means one entry per pool buffer.
func NewCodeCache(max int, pool *BufferPool) *CodeCache {
	if max <= 0 {
		max = pool.Len()
	}
	return &CodeCache{
		pool:    pool,
		max:     max,
		entries: make(map[CacheKey]*NativeEntry),
	}
}

// Get looks up a compiled entry. A hit comes back pinned; the caller must
// unpin after running it, or the buffer of an entry evicted mid-run would
// be poisoned under the runner's feet.
func (c *CodeCache) Get(key CacheKey) (*NativeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !e.Released() {
		c.hits++
		e.pin()
		return e, true
	}
	c.misses++
	return nil, false
}

// Put installs a compiled entry, evicting the oldest one on overflow.
func (c *CodeCache) Put(key CacheKey, e *NativeEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, dup := c.entries[key]; dup {
		if err := old.retire(c.pool); err != nil {
			return err
		}
		c.removeKey(key)
	}
	for len(c.entries) >= c.max && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		if old := c.entries[victim]; old != nil {
			if err := old.retire(c.pool); err != nil {
				return err
			}
			delete(c.entries, victim)
		}
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	return nil
}

// Purge retires every cached entry. Entries still pinned by a runner are
// released when that runner unpins.
func (c *CodeCache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if err := e.retire(c.pool); err != nil {
			return err
		}
		delete(c.entries, key)
	}
	c.order = c.order[:0]
	return nil
}

// Len returns the number of cached entries.
func (c *CodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns lifetime hit and miss counts.
func (c *CodeCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *CodeCache) removeKey(key CacheKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
