// Package cache holds read-mostly query results for a bounded time.
//
// Concurrent misses on the same key each call fetch; requests are not
// coalesced.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_cache_lookups_total",
		Help: "Cache lookups by key family and result.",
	}, []string{"family", "result"})
	invalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_cache_invalidated_entries_total",
		Help: "Entries removed by explicit invalidation.",
	})
)

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a mutex-guarded TTL map. An entry is stale once more than its
// ttl has elapsed since it was stored.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	// gen counts Delete and Invalidate calls. A fetch that overlaps one must
	// not store its result.
	gen uint64
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the fresh value stored under key. Stale entries are evicted.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, storedAt: c.now(), ttl: ttl}
}

func (c *Cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// setAt stores value only if no invalidation happened since gen was read.
func (c *Cache) setAt(gen uint64, key string, value any, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries[key] = entry{value: value, storedAt: c.now(), ttl: ttl}
	return true
}

// Delete removes exactly key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		invalidations.Inc()
	}
}

// Invalidate removes every key starting with prefix and reports how many
// were removed.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	invalidations.Add(float64(n))
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrFetch returns the fresh value under key, or calls fetch and stores its
// result. Failed fetches are not stored, and neither are results of fetches
// that overlapped a Delete or Invalidate.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	family := keyFamily(key)
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			lookups.WithLabelValues(family, "hit").Inc()
			return typed, nil
		}
	}
	lookups.WithLabelValues(family, "miss").Inc()

	gen := c.generation()
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if !c.setAt(gen, key, v, ttl) {
		lookups.WithLabelValues(family, "stale_fetch").Inc()
	}
	return v, nil
}

func keyFamily(key string) string {
	family, _, _ := strings.Cut(key, ":")
	return family
}
