package exchange

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// catalogCache is the per-venue market catalog / symbol meta cache.
// Populated entries are copied on read by callers; writers replace whole
// entries under the lock.
type catalogCache struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	value   interface{}
	fetched time.Time
}

func newCatalogCache() *catalogCache {
	return &catalogCache{entries: make(map[string]catalogEntry)}
}

// get returns a cached value younger than ttl.
func (c *catalogCache) get(key string, ttl time.Duration) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.fetched) > ttl {
		return nil, false
	}
	return e.value, true
}

// getStale returns whatever is cached regardless of age.
func (c *catalogCache) getStale(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *catalogCache) put(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = catalogEntry{value: v, fetched: time.Now()}
}

// cachedFetch serves key from cache within ttl, fetching otherwise. When the
// venue answers 429, a stale entry satisfies the request if one exists.
func (c *catalogCache) cachedFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.get(key, ttl); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) && ge.Status == http.StatusTooManyRequests {
			if stale, ok := c.getStale(key); ok {
				return stale, nil
			}
		}
		return nil, err
	}
	c.put(key, v)
	return v, nil
}
