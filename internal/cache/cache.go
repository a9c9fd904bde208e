// Package cache provides the shared key/value layer of the gateway.
//
// Two backends are available:
//   - RedisStore: shared across replicas; also provides atomic counters,
//     a log queue and a set, which back rate limiting, round robin and the
//     request-log pipeline.
//   - MemoryCache: in-process TTL cache for single-instance deployments.
//
// Callers depend on the narrow interfaces below, never on a backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a TTL key/value cache. Implementations degrade gracefully:
// Get reports a miss on any backend error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Counter is an atomic integer counter with optional expiry.
type Counter interface {
	// Incr increments key by one and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// WindowCounter increments a counter and attaches ttl in one atomic step
// whenever the key has no expiry.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Queue is a FIFO list of opaque items shared by all replicas.
type Queue interface {
	Push(ctx context.Context, key string, items ...[]byte) error
	// PopN removes and returns up to n items from the head of the list.
	PopN(ctx context.Context, key string, n int) ([][]byte, error)
	Len(ctx context.Context, key string) (int64, error)
}

// Set is an unordered set of string members.
type Set interface {
	Add(ctx context.Context, key string, members ...string) error
	Remove(ctx context.Context, key string, members ...string) error
}

// ResponseKey builds the response-cache key for a completion request:
// SHA-256(provider + "\x00" + model + "\x00" + canonical request body).
func ResponseKey(provider, model string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return "gw:resp:" + hex.EncodeToString(h.Sum(nil))
}
