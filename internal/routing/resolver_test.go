package routing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

type fakeSource struct {
	providers []store.Provider
	groups    []store.Group
	aliases   []store.Alias
	err       error
}

func (f *fakeSource) ListProviders(context.Context) ([]store.Provider, error) {
	return f.providers, f.err
}
func (f *fakeSource) ListGroups(context.Context) ([]store.Group, error)   { return f.groups, nil }
func (f *fakeSource) ListAliases(context.Context) ([]store.Alias, error) { return f.aliases, nil }

func testSource() *fakeSource {
	return &fakeSource{
		providers: []store.Provider{
			{Name: "p1", Family: "openai", APIKey: "k1"},
			{Name: "p2", Family: "anthropic", APIKey: "k2"},
			{Name: "p3", Family: "gemini", APIKey: "k3"},
			{Name: "bad", Family: "carrier-pigeon"},
		},
		groups: []store.Group{
			{ID: "rr", Strategy: store.StrategyRoundRobin, Members: []store.Member{
				{Provider: "p1", TargetModel: "m1"},
				{Provider: "p2", TargetModel: "m2"},
				{Provider: "p3", TargetModel: "m3"},
			}},
			{ID: "w", Strategy: store.StrategyWeighted, Members: []store.Member{
				{Provider: "p1", TargetModel: "a", Weight: 1},
				{Provider: "p2", TargetModel: "b", Weight: 3},
			}},
			{ID: "empty", Strategy: store.StrategyRandom},
			{ID: "ghost", Strategy: store.StrategyRandom, Members: []store.Member{
				{Provider: "deleted", TargetModel: "x"},
			}},
		},
		aliases: []store.Alias{{Source: "fast", Target: "p1/gpt-4o-mini"}},
	}
}

func newResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	r := New(testSource(), opts)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return r
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if ae.Status != status {
		t.Fatalf("status = %d, want %d (%s)", ae.Status, status, ae.Message)
	}
}

func TestResolve_DirectRoute(t *testing.T) {
	r := newResolver(t, Options{})

	route, err := r.Resolve(context.Background(), "p1/gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	if route.Endpoint.Name != "p1" || route.Endpoint.APIKey != "k1" || route.Model != "gpt-x" || route.Group != "" {
		t.Errorf("route = %+v", route)
	}
	if route.Endpoint.Family != providers.FamilyOpenAI {
		t.Errorf("family = %q", route.Endpoint.Family)
	}
}

func TestResolve_DirectRouteKeepsNestedSlashes(t *testing.T) {
	r := newResolver(t, Options{})

	route, err := r.Resolve(context.Background(), "p1/meta-llama/llama-3-70b")
	if err != nil {
		t.Fatal(err)
	}
	if route.Model != "meta-llama/llama-3-70b" {
		t.Errorf("model = %q", route.Model)
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := newResolver(t, Options{})

	for _, raw := range []string{"nope/gpt-x", "group/missing", "gpt-4o", "bad/model"} {
		_, err := r.Resolve(context.Background(), raw)
		requireStatus(t, err, 404)
	}
}

func TestResolve_EmptyUpstreamModel(t *testing.T) {
	r := newResolver(t, Options{})
	_, err := r.Resolve(context.Background(), "p1/")
	requireStatus(t, err, 400)
}

func TestResolve_DefaultProviderForBareNames(t *testing.T) {
	r := newResolver(t, Options{DefaultProvider: "p2"})

	route, err := r.Resolve(context.Background(), "claude-3-haiku")
	if err != nil {
		t.Fatal(err)
	}
	if route.Endpoint.Name != "p2" || route.Model != "claude-3-haiku" {
		t.Errorf("route = %+v", route)
	}
}

func TestResolve_Alias(t *testing.T) {
	r := newResolver(t, Options{})

	route, err := r.Resolve(context.Background(), "fast")
	if err != nil {
		t.Fatal(err)
	}
	if route.Endpoint.Name != "p1" || route.Model != "gpt-4o-mini" {
		t.Errorf("route = %+v", route)
	}
}

func TestResolve_EmptyGroupIsNoCapacity(t *testing.T) {
	r := newResolver(t, Options{})

	_, err := r.Resolve(context.Background(), "group/empty")
	requireStatus(t, err, 503)

	var ae *apierr.Error
	errors.As(err, &ae)
	if ae.Type != apierr.TypeNoCapacity {
		t.Errorf("type = %q", ae.Type)
	}
}

func TestResolve_GroupWithOnlyDeletedProvidersIsNoCapacity(t *testing.T) {
	r := newResolver(t, Options{})
	_, err := r.Resolve(context.Background(), "group/ghost")
	requireStatus(t, err, 503)
}

func TestResolve_RoundRobinVisitsEveryMember(t *testing.T) {
	for _, offset := range []int{0, 1, 2, 5} {
		r := newResolver(t, Options{})
		for i := 0; i < offset; i++ {
			if _, err := r.Resolve(context.Background(), "group/rr"); err != nil {
				t.Fatal(err)
			}
		}

		seen := map[string]int{}
		for i := 0; i < 3; i++ {
			route, err := r.Resolve(context.Background(), "group/rr")
			if err != nil {
				t.Fatal(err)
			}
			if route.Group != "rr" {
				t.Errorf("group = %q", route.Group)
			}
			seen[route.Endpoint.Name]++
		}
		if len(seen) != 3 {
			t.Errorf("offset %d: visited %v, want each member once", offset, seen)
		}
	}
}

func TestResolve_RoundRobinSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	counter := cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	a := newResolver(t, Options{Counter: counter})
	b := newResolver(t, Options{Counter: counter})

	var order []string
	for i := 0; i < 6; i++ {
		r := a
		if i%2 == 1 {
			r = b
		}
		route, err := r.Resolve(context.Background(), "group/rr")
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, route.Model)
	}

	want := []string{"m1", "m2", "m3", "m1", "m2", "m3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got, _ := mr.Get("gw:rr:rr"); got != "6" {
		t.Errorf("counter = %q", got)
	}
}

func TestResolve_RoundRobinFallsBackWhenCounterFails(t *testing.T) {
	mr := miniredis.RunT(t)
	counter := cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	r := newResolver(t, Options{Counter: counter})
	mr.Close()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		route, err := r.Resolve(context.Background(), "group/rr")
		if err != nil {
			t.Fatal(err)
		}
		seen[route.Model] = true
	}
	if len(seen) != 3 {
		t.Errorf("seen = %v", seen)
	}
}

func TestResolve_WeightedConverges(t *testing.T) {
	r := newResolver(t, Options{})

	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		route, err := r.Resolve(context.Background(), "group/w")
		if err != nil {
			t.Fatal(err)
		}
		counts[route.Model]++
	}

	got := float64(counts["b"]) / n
	if math.Abs(got-0.75) > 0.03 {
		t.Errorf("share of weight-3 member = %.3f, want ≈0.75", got)
	}
}

func TestPickWeighted_Deterministic(t *testing.T) {
	members := []store.Member{{Weight: 2}, {Weight: 0}, {Weight: 3}}
	// pool: [0 0 1 2 2 2]
	want := []int{0, 0, 1, 2, 2, 2}
	for x, w := range want {
		got := pickWeighted(members, func(int) int { return x })
		if got != w {
			t.Errorf("slot %d → member %d, want %d", x, got, w)
		}
	}
}

func TestResolve_SkipsOpenBreakers(t *testing.T) {
	br := NewBreaker(BreakerConfig{ErrorThreshold: 1})
	r := newResolver(t, Options{Breaker: br})

	br.RecordFailure("p1")
	br.RecordFailure("p3")

	for i := 0; i < 5; i++ {
		route, err := r.Resolve(context.Background(), "group/rr")
		if err != nil {
			t.Fatal(err)
		}
		if route.Endpoint.Name != "p2" {
			t.Fatalf("routed to %q with p1 and p3 open", route.Endpoint.Name)
		}
	}

	br.RecordFailure("p2")
	_, err := r.Resolve(context.Background(), "group/rr")
	requireStatus(t, err, 503)

	// Direct routes are not gated.
	if _, err := r.Resolve(context.Background(), "p1/m"); err != nil {
		t.Errorf("direct route: %v", err)
	}
}

func TestReload_SwapsAndForgetsRemovedProviders(t *testing.T) {
	src := testSource()
	br := NewBreaker(BreakerConfig{ErrorThreshold: 1})
	r := New(src, Options{Breaker: br})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := r.Snapshot()

	br.RecordFailure("p3")
	src.providers = src.providers[:2]
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(before.Providers) != 3 {
		t.Errorf("old snapshot mutated: %d providers", len(before.Providers))
	}
	if _, ok := r.Snapshot().Providers["p3"]; ok {
		t.Error("p3 still routable")
	}
	if _, ok := br.States()["p3"]; ok {
		t.Error("breaker for removed provider kept")
	}
}

func TestReload_ErrorKeepsPreviousSnapshot(t *testing.T) {
	src := testSource()
	r := New(src, Options{})
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.err = errors.New("db down")
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.Resolve(context.Background(), "p1/x"); err != nil {
		t.Errorf("previous snapshot lost: %v", err)
	}
}

func TestResolve_BeforeReload(t *testing.T) {
	r := New(testSource(), Options{})
	_, err := r.Resolve(context.Background(), "p1/x")
	requireStatus(t, err, 500)
}
