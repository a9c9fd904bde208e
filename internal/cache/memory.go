package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryCache created without WithMaxEntries.
const DefaultMaxEntries = 50_000

type entry struct {
	value []byte
	// expires is zero for entries without a TTL (counters before Expire).
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryCache is the single-replica stand-in for RedisStore. It serves the
// catalog and response caches and the round-robin counters when Redis is
// not configured; each replica then keeps its own state.
//
// Entries past their TTL are dropped on access and by a sweeper that runs
// every minute. When the cache is full, Set evicts the entry closest to
// expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	max     int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMaxEntries caps the number of live entries.
func WithMaxEntries(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.max = n
		}
	}
}

// NewMemoryCache starts the sweeper, which stops on ctx cancellation or Close.
func NewMemoryCache(ctx context.Context, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		max:     DefaultMaxEntries,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.sweepLoop(ctx)
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set implements Cache. A non-positive ttl stores the entry for an hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOne()
	}
	c.entries[key] = entry{value: buf, expires: c.now().Add(ttl)}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Incr implements Counter with Redis semantics: a missing key starts at
// zero with no expiry, and a non-integer value is an error.
func (c *MemoryCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	e, ok := c.lookup(key)
	if ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: incr %s: value is not an integer", key)
		}
		n = v
	} else if len(c.entries) >= c.max {
		c.evictOne()
	}
	n++
	e.value = strconv.AppendInt(nil, n, 10)
	c.entries[key] = e
	return n, nil
}

// Expire implements Counter. Expiring a missing key is a no-op.
func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(c.entries, key)
		return nil
	}
	e.expires = c.now().Add(ttl)
	c.entries[key] = e
	return nil
}

// Len counts entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper. Safe to call twice.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// lookup returns the live entry for key, dropping it if expired.
// Callers hold c.mu.
func (c *MemoryCache) lookup(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

// evictOne drops an expired entry if there is one, otherwise the entry that
// would expire first. Entries without a TTL go last. Callers hold c.mu.
func (c *MemoryCache) evictOne() {
	now := c.now()
	var (
		victim  string
		soonest time.Time
		found   bool
	)
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			return
		}
		if e.expires.IsZero() {
			if !found {
				victim, found = k, true
			}
			continue
		}
		if !found || soonest.IsZero() || e.expires.Before(soonest) {
			victim, soonest, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

func (c *MemoryCache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()

	c.mu.Lock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
