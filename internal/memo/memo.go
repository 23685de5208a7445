// Package memo provides an explicit in-process read-through cache for
// read-mostly accessors, keyed by accessor name and serialized arguments.
// Entries never expire; mutating code paths are expected to call Invalidate
// (or InvalidateFunc) for every key they stale.
package memo

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Cache holds memoized accessor results. Safe for concurrent use. The cache is
// per-process and is not shared across instances.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]any
}

func New() *Cache {
	return &Cache{entries: make(map[string]any)}
}

// Key builds a cache key from an accessor name and its argument tuple.
func Key(fn string, args ...any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fn + ":" + fmt.Sprintf("%v", args)
	}
	return fn + ":" + string(b)
}

// Get returns the memoized value for key, calling load on a miss. Load errors
// are returned as-is and never cached. Concurrent misses on the same key may
// each run the loader; last write wins, which is harmless for pure reads.
func Get[T any](c *Cache, key string, load func() (T, error)) (T, error) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	val, err := load()
	if err != nil {
		return val, err
	}

	c.mu.Lock()
	c.entries[key] = val
	c.mu.Unlock()
	return val, nil
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateFunc drops every key belonging to the named accessor regardless of
// arguments.
func (c *Cache) InvalidateFunc(fn string) {
	prefix := fn + ":"
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
