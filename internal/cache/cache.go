// Package cache provides a small in-process TTL cache with read-through
// loading, used for client configuration and routing lookups.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// now is swapped in tests to step time deterministically.
var now = time.Now

// Loader fetches the value for a key on a cache miss.
type Loader[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a read-through cache. Entries live for a fixed duration; expired
// entries are reloaded on access. Loader errors are never cached.
type TTL[V any] struct {
	ttl    time.Duration
	loader Loader[V]
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]entry[V]
}

func NewTTL[V any](ttl time.Duration, loader Loader[V]) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		loader:  loader,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key, loading it on a miss or after
// expiry. Concurrent misses on the same key share a single loader call,
// so within one TTL window the loader runs at most once per key.
func (c *TTL[V]) Get(ctx context.Context, key string) (V, error) {
	if value, ok := c.fresh(key); ok {
		return value, nil
	}

	value, err, _ := c.flight.Do(key, func() (any, error) {
		// A concurrent caller may have populated the entry between the
		// miss and this flight starting.
		if value, ok := c.fresh(key); ok {
			return value, nil
		}

		value, err := c.loader(ctx, key)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, expiresAt: now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return value.(V), nil
}

func (c *TTL[V]) fresh(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now().Before(e.expiresAt) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Invalidate drops the entry for key so the next Get reloads it.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *TTL[V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len reports how many entries are held, expired ones included.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
