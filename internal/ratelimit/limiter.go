// Package ratelimit implements per-key fixed-window rate limiting on top of
// a shared atomic counter.
//
// Each key gets one counter per window: the increment attaches the window
// TTL whenever the counter has none, and a request is rejected once the post-increment value
// exceeds the limit. Bursts of up to twice the limit are possible across a
// window boundary.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nulpointcorp/modelgate/internal/cache"
)

// Window is the fixed rate-limit window.
const Window = time.Minute

const keyPrefix = "gw:rl:"

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
}

// Limiter counts requests per key in the shared counter store.
//
// Stores implementing cache.WindowCounter increment and expire atomically.
// For plain counters, keys whose Expire failed are remembered and the TTL
// is retried on their next request.
type Limiter struct {
	counter cache.Counter
	window  time.Duration

	mu      sync.Mutex
	untimed map[string]struct{}
}

// New creates a Limiter over counter.
func New(counter cache.Counter) *Limiter {
	return &Limiter{counter: counter, window: Window, untimed: make(map[string]struct{})}
}

// Allow records one request for id and reports whether it fits in limit.
//
// When the counter store fails the request is allowed and the error is
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, id string, limit int64) (Result, error) {
	key := counterKey(id)

	n, err := l.incr(ctx, key)
	if err != nil {
		return Result{Allowed: true, Count: n, Limit: limit, Remaining: max(limit-n, 0)}, err
	}

	return Result{
		Allowed:   n <= limit,
		Count:     n,
		Limit:     limit,
		Remaining: max(limit-n, 0),
	}, nil
}

func (l *Limiter) incr(ctx context.Context, key string) (int64, error) {
	if wc, ok := l.counter.(cache.WindowCounter); ok {
		return wc.IncrWindow(ctx, key, l.window)
	}

	n, err := l.counter.Incr(ctx, key)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	_, pending := l.untimed[key]
	l.mu.Unlock()
	if n != 1 && !pending {
		return n, nil
	}

	if err := l.counter.Expire(ctx, key, l.window); err != nil {
		l.mu.Lock()
		l.untimed[key] = struct{}{}
		l.mu.Unlock()
		return n, err
	}
	if pending {
		l.mu.Lock()
		delete(l.untimed, key)
		l.mu.Unlock()
	}
	return n, nil
}

// counterKey keeps raw bearer tokens out of the counter namespace.
func counterKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return keyPrefix + hex.EncodeToString(sum[:12])
}
