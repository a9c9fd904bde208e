package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/routing"
	"github.com/nulpointcorp/modelgate/internal/store"
)

type fakeLister struct {
	models map[string][]string
	fail   map[string]bool
	calls  atomic.Int32
}

func (f *fakeLister) ListModels(_ context.Context, ep providers.Endpoint) ([]string, error) {
	f.calls.Add(1)
	if f.fail[ep.Name] {
		return nil, errors.New("unreachable")
	}
	return f.models[ep.Name], nil
}

type staticSource struct{ snap *routing.Snapshot }

func (s *staticSource) Snapshot() *routing.Snapshot { return s.snap }
func (s *staticSource) GroupPrefix() string         { return "group/" }

func testSnapshot() *routing.Snapshot {
	return &routing.Snapshot{
		Providers: map[string]providers.Endpoint{
			"p1":   {Name: "p1", Family: providers.FamilyOpenAI},
			"p2":   {Name: "p2", Family: providers.FamilyAnthropic},
			"down": {Name: "down", Family: providers.FamilyGemini},
		},
		Groups: map[string]store.Group{"g1": {ID: "g1"}},
	}
}

func newRedisCache(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func decode(t *testing.T, body []byte) List {
	t.Helper()
	var l List
	if err := json.Unmarshal(body, &l); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestJSON_AggregatesProvidersAndGroups(t *testing.T) {
	rc, _ := newRedisCache(t)
	lister := &fakeLister{
		models: map[string][]string{"p1": {"gpt-4o"}, "p2": {"claude-3", "claude-4"}},
		fail:   map[string]bool{"down": true},
	}
	c := New(lister, &staticSource{snap: testSnapshot()}, rc, Options{})

	body, err := c.JSON(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l := decode(t, body)

	if l.Object != "list" {
		t.Errorf("object = %q", l.Object)
	}
	want := []Model{
		{ID: "p1/gpt-4o", Object: "model", Created: created, OwnedBy: "openai"},
		{ID: "p2/claude-3", Object: "model", Created: created, OwnedBy: "anthropic"},
		{ID: "p2/claude-4", Object: "model", Created: created, OwnedBy: "anthropic"},
		{ID: "group/g1", Object: "model", Created: created, OwnedBy: GroupOwner},
	}
	if len(l.Data) != len(want) {
		t.Fatalf("data = %+v", l.Data)
	}
	for i := range want {
		if l.Data[i] != want[i] {
			t.Errorf("data[%d] = %+v, want %+v", i, l.Data[i], want[i])
		}
	}
}

func TestJSON_CachedWithinTTL(t *testing.T) {
	rc, mr := newRedisCache(t)
	src := &staticSource{snap: testSnapshot()}
	lister := &fakeLister{models: map[string][]string{"p1": {"a"}, "p2": {"b"}, "down": {"c"}}}
	c := New(lister, src, rc, Options{TTL: time.Minute})

	first, err := c.JSON(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	calls := lister.calls.Load()

	// Removing a provider does not bust the cache.
	next := testSnapshot()
	delete(next.Providers, "p2")
	src.snap = next

	second, _ := c.JSON(context.Background())
	if !bytes.Equal(first, second) {
		t.Error("second call within TTL should be byte-identical")
	}
	if lister.calls.Load() != calls {
		t.Error("cache hit should not fan out")
	}

	mr.FastForward(time.Minute + time.Second)

	third, _ := c.JSON(context.Background())
	for _, m := range decode(t, third).Data {
		if m.ID == "p2/b" {
			t.Error("removed provider still listed after TTL")
		}
	}
}

func TestJSON_EmptySnapshot(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = mem.Close() })

	c := New(&fakeLister{}, &staticSource{}, mem, Options{})
	body, err := c.JSON(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"object":"list","data":[]}` {
		t.Errorf("body = %s", body)
	}
}

type slowLister struct{}

func (slowLister) ListModels(ctx context.Context, ep providers.Endpoint) ([]string, error) {
	if ep.Name == "p1" {
		return []string{"fast"}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestJSON_SlowProviderTimesOut(t *testing.T) {
	rc, _ := newRedisCache(t)
	c := New(slowLister{}, &staticSource{snap: testSnapshot()}, rc, Options{FetchTimeout: 50 * time.Millisecond})

	start := time.Now()
	body, err := c.JSON(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("fetch timeout not applied")
	}

	l := decode(t, body)
	if len(l.Data) != 2 || l.Data[0].ID != "p1/fast" {
		t.Errorf("data = %+v", l.Data)
	}
}
