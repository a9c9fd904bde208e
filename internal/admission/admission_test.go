package admission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

type memKeys struct {
	mu   sync.Mutex
	keys map[string]store.Key
	fail error
}

func newMemKeys(keys ...store.Key) *memKeys {
	m := &memKeys{keys: map[string]store.Key{}}
	for _, k := range keys {
		m.keys[k.Key] = k
	}
	return m
}

func (m *memKeys) GetKey(_ context.Context, token string) (store.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[token]
	if !ok {
		return store.Key{}, store.ErrNotFound
	}
	return k, nil
}

func (m *memKeys) IncrementUsage(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	k := m.keys[token]
	k.UsageCount++
	m.keys[token] = k
	return k.UsageCount, nil
}

type countingLimiter struct {
	counts map[string]int64
	err    error
}

func (l *countingLimiter) Allow(_ context.Context, id string, limit int64) (ratelimit.Result, error) {
	if l.err != nil {
		return ratelimit.Result{Allowed: true}, l.err
	}
	l.counts[id]++
	n := l.counts[id]
	return ratelimit.Result{Allowed: n <= limit, Count: n, Limit: limit, Remaining: max(limit-n, 0)}, nil
}

func ptr(n int64) *int64 { return &n }

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var e *apierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *apierr.Error, got %T (%v)", err, err)
	}
	return e.Status
}

func TestAuthenticate(t *testing.T) {
	keys := newMemKeys(
		store.Key{Key: "sk-gw-ok", Active: true},
		store.Key{Key: "sk-gw-off", Active: false},
		TrackerKeyRecord(),
	)
	c := New(keys, nil, "master-secret")
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, ""); statusOf(t, err) != 401 {
		t.Fatal("missing header must be 401")
	}
	if _, err := c.Authenticate(ctx, "Basic abc"); statusOf(t, err) != 401 {
		t.Fatal("non-bearer scheme must be 401")
	}
	if _, err := c.Authenticate(ctx, "Bearer sk-gw-nope"); statusOf(t, err) != 401 {
		t.Fatal("unknown key must be 401")
	}
	if _, err := c.Authenticate(ctx, "Bearer sk-gw-off"); statusOf(t, err) != 401 {
		t.Fatal("inactive key must be 401")
	}

	k, err := c.Authenticate(ctx, "bearer sk-gw-ok")
	if err != nil || k.Key != "sk-gw-ok" {
		t.Fatalf("Authenticate = %+v, %v", k, err)
	}

	k, err = c.Authenticate(ctx, "Bearer master-secret")
	if err != nil {
		t.Fatal(err)
	}
	if k.Key != TrackerKey || !k.Hidden {
		t.Fatalf("master key must map to the tracker, got %+v", k)
	}
}

func TestAdmit_Quota(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-q", Active: true, UsageLimit: ptr(2)})
	c := New(keys, nil, "m")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		k, _ := keys.GetKey(ctx, "sk-gw-q")
		if _, err := c.Admit(ctx, k); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	k, _ := keys.GetKey(ctx, "sk-gw-q")
	_, err := c.Admit(ctx, k)
	if statusOf(t, err) != 403 {
		t.Fatal("call at the usage limit must be 403")
	}

	k, _ = keys.GetKey(ctx, "sk-gw-q")
	if k.UsageCount != 2 {
		t.Fatalf("rejected call must not consume quota, usage = %d", k.UsageCount)
	}
}

func TestAdmit_RateLimit(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-r", Active: true, RateLimitPerMinute: ptr(1)})
	c := New(keys, &countingLimiter{counts: map[string]int64{}}, "m")
	ctx := context.Background()

	k, _ := keys.GetKey(ctx, "sk-gw-r")
	d, err := c.Admit(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if d.RateLimit == nil || d.RateLimit.Remaining != 0 {
		t.Fatalf("decision = %+v", d)
	}

	k, _ = keys.GetKey(ctx, "sk-gw-r")
	if _, err := c.Admit(ctx, k); statusOf(t, err) != 429 {
		t.Fatal("second call in the window must be 429")
	}
}

func TestAdmit_QuotaCheckedBeforeRate(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-b", Active: true, UsageCount: 5, UsageLimit: ptr(5), RateLimitPerMinute: ptr(10)})
	lim := &countingLimiter{counts: map[string]int64{}}
	c := New(keys, lim, "m")

	k, _ := keys.GetKey(context.Background(), "sk-gw-b")
	if _, err := c.Admit(context.Background(), k); statusOf(t, err) != 403 {
		t.Fatal("quota must be checked first")
	}
	if len(lim.counts) != 0 {
		t.Fatal("rate counter must not be touched after a quota rejection")
	}
}

func TestAdmit_WithoutLimiterNoRateLimiting(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-r", Active: true, RateLimitPerMinute: ptr(1)})
	c := New(keys, nil, "m")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		k, _ := keys.GetKey(ctx, "sk-gw-r")
		if _, err := c.Admit(ctx, k); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if c.RateLimiting() {
		t.Fatal("RateLimiting must be false without a limiter")
	}
}

func TestAdmit_LimiterErrorFailsOpen(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-r", Active: true, RateLimitPerMinute: ptr(1)})
	c := New(keys, &countingLimiter{err: errors.New("redis down")}, "m")

	k, _ := keys.GetKey(context.Background(), "sk-gw-r")
	if _, err := c.Admit(context.Background(), k); err != nil {
		t.Fatalf("limiter failure must not reject: %v", err)
	}
}

func TestAdmit_UsageWriteFailureIs500(t *testing.T) {
	keys := newMemKeys(store.Key{Key: "sk-gw-x", Active: true})
	keys.fail = errors.New("disk full")
	c := New(keys, nil, "m")

	k, _ := keys.GetKey(context.Background(), "sk-gw-x")
	if _, err := c.Admit(context.Background(), k); statusOf(t, err) != 500 {
		t.Fatal("usage write failure must be 500")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":     "abc",
		"bearer  abc  ":  "abc",
		"Bearer":         "",
		"Token abc":      "",
		"":               "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
