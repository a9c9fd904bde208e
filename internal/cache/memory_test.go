package cache

import (
	"context"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) (*MemoryCache, *time.Time) {
	t.Helper()
	c := NewMemoryCache(context.Background(), opts...)
	t.Cleanup(func() { _ = c.Close() })

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestMemoryCacheExpiry(t *testing.T) {
	c, now := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "gw:models", []byte("list"), 5*time.Minute)
	if got, ok := c.Get(ctx, "gw:models"); !ok || string(got) != "list" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	*now = now.Add(5*time.Minute + time.Second)
	if _, ok := c.Get(ctx, "gw:models"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not dropped on access, Len = %d", c.Len())
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c, now := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("a"), time.Second)
	_ = c.Set(ctx, "long", []byte("b"), time.Hour)

	*now = now.Add(time.Minute)
	c.sweep()

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestMemoryCacheCopiesValues(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	buf := []byte("original")
	_ = c.Set(ctx, "k", buf, time.Minute)
	copy(buf, "mutated!")

	if got, _ := c.Get(ctx, "k"); string(got) != "original" {
		t.Fatalf("stored value aliased the caller's buffer: %q", got)
	}
}

func TestMemoryCacheMaxEntries(t *testing.T) {
	c, _ := newTestMemory(t, WithMaxEntries(2))
	ctx := context.Background()

	_ = c.Set(ctx, "soon", []byte("1"), time.Minute)
	_ = c.Set(ctx, "later", []byte("2"), time.Hour)
	_ = c.Set(ctx, "new", []byte("3"), time.Hour)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(ctx, "soon"); ok {
		t.Fatal("entry closest to expiry should have been evicted")
	}
	for _, k := range []string{"later", "new"} {
		if _, ok := c.Get(ctx, k); !ok {
			t.Fatalf("%s evicted", k)
		}
	}

	// Overwriting an existing key never evicts.
	_ = c.Set(ctx, "new", []byte("4"), time.Hour)
	if _, ok := c.Get(ctx, "later"); !ok {
		t.Fatal("overwrite evicted another entry")
	}
}

func TestMemoryCacheCounter(t *testing.T) {
	c, now := newTestMemory(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "rr:fast")
		if err != nil || got != want {
			t.Fatalf("Incr = %d, %v; want %d", got, err, want)
		}
	}

	// Counters without a TTL never expire.
	*now = now.Add(24 * time.Hour)
	if got, _ := c.Incr(ctx, "rr:fast"); got != 4 {
		t.Fatalf("counter lost without TTL: %d", got)
	}

	if err := c.Expire(ctx, "rr:fast", time.Minute); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Minute + time.Second)
	if got, _ := c.Incr(ctx, "rr:fast"); got != 1 {
		t.Fatalf("counter should restart after expiry, got %d", got)
	}

	if err := c.Expire(ctx, "missing", time.Minute); err != nil {
		t.Fatalf("Expire on missing key: %v", err)
	}

	_ = c.Set(ctx, "text", []byte("abc"), time.Minute)
	if _, err := c.Incr(ctx, "text"); err == nil {
		t.Fatal("Incr on a non-integer value should fail")
	}
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

var (
	_ Cache   = (*MemoryCache)(nil)
	_ Counter = (*MemoryCache)(nil)
)
