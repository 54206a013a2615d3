// Package cache is a small TTL cache used in front of slow lookups.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is safe for concurrent use. A background goroutine evicts expired
// entries until Stop is called.
type Cache[V any] struct {
	mu         sync.RWMutex
	items      map[string]*entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func New[V any](defaultTTL time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:      make(map[string]*entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	interval := defaultTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go c.cleanup(interval)
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	item, ok := c.items[key]
	if !ok || item.expired(c.now()) {
		return zero, false
	}
	return item.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Invalidate drops every key with the given prefix. An empty prefix only
// drops expired entries.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if prefix == "" {
			if item.expired(now) {
				delete(c.items, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stop:
			return
		}
	}
}
