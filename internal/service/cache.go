package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SizeFunc estimates the retained bytes of one cached value.
type SizeFunc[V any] func(V) int64

type cacheEntry[V any] struct {
	value V
	size  int64
}

// Cache is a keyed cache that is itself a Disposable. Item and byte totals are
// maintained on every write so Snapshot is O(1).
type Cache[K comparable, V any] struct {
	name       string
	size       SizeFunc[V]
	maxEntries int
	log        *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries map[K]cacheEntry[V]

	lc    lifecycle
	items atomic.Int64
	bytes atomic.Int64
}

// NewCache returns an empty cache. maxEntries <= 0 means unbounded; when the
// bound is hit an arbitrary entry is evicted (insertion order is irrelevant).
func NewCache[K comparable, V any](name string, size SizeFunc[V], maxEntries int, logger *slog.Logger) *Cache[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[K, V]{
		name:       name,
		size:       size,
		maxEntries: maxEntries,
		log:        logger.With("service", name),
		now:        time.Now,
		entries:    make(map[K]cacheEntry[V]),
	}
}

func (c *Cache[K, V]) Name() string { return c.name }

func (c *Cache[K, V]) Start(ctx context.Context) error {
	if c.lc.disposed() {
		return ErrDisposed
	}
	c.lc.state.CompareAndSwap(stateIdle, stateRunning)
	return nil
}

// Dispose swaps the map for an empty one so the old entries are unreachable
// immediately, rather than waiting on a later clear.
func (c *Cache[K, V]) Dispose() error {
	prev := c.lc.state.Swap(stateDisposed)
	if prev == stateDisposed {
		return nil
	}
	if prev == stateIdle {
		c.log.Warn("dispose called on a service that never started")
	}
	c.clear()
	return nil
}

// discard disposes the cache on behalf of a wrapping service, which reports
// its own lifecycle.
func (c *Cache[K, V]) discard() {
	if c.lc.state.Swap(stateDisposed) != stateDisposed {
		c.clear()
	}
}

func (c *Cache[K, V]) clear() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.items.Store(0)
	c.bytes.Store(0)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Snapshot() Usage {
	return Usage{
		Items:       c.items.Load(),
		Bytes:       c.bytes.Load(),
		Started:     c.lc.started(),
		Disposed:    c.lc.disposed(),
		LastUpdated: c.lc.lastUpdated(),
	}
}

// Put stores v under k. It reports false when the cache has been disposed, so
// a late write from a stopping goroutine cannot repopulate it.
func (c *Cache[K, V]) Put(k K, v V) bool {
	var sz int64
	if c.size != nil {
		sz = c.size(v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lc.disposed() {
		return false
	}
	if old, ok := c.entries[k]; ok {
		c.bytes.Add(sz - old.size)
	} else {
		if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
			c.evictOneLocked()
		}
		c.items.Add(1)
		c.bytes.Add(sz)
	}
	c.entries[k] = cacheEntry[V]{value: v, size: sz}
	c.lc.touch(c.now())
	return true
}

// Replace swaps the whole content in one step, used by pollers that fetch a
// complete dataset on every tick.
func (c *Cache[K, V]) Replace(values map[K]V) bool {
	next := make(map[K]cacheEntry[V], len(values))
	var total int64
	for k, v := range values {
		var sz int64
		if c.size != nil {
			sz = c.size(v)
		}
		next[k] = cacheEntry[V]{value: v, size: sz}
		total += sz
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lc.disposed() {
		return false
	}
	c.entries = next
	c.items.Store(int64(len(next)))
	c.bytes.Store(total)
	c.lc.touch(c.now())
	return true
}

func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	return e.value, ok
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		delete(c.entries, k)
		c.items.Add(-1)
		c.bytes.Add(-e.size)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Range calls fn for every entry until fn returns false. fn must not call back
// into the cache.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, e := range c.entries {
		if !fn(k, e.value) {
			return
		}
	}
}

func (c *Cache[K, V]) evictOneLocked() {
	for k, e := range c.entries {
		delete(c.entries, k)
		c.items.Add(-1)
		c.bytes.Add(-e.size)
		return
	}
}
