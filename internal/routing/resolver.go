// Package routing turns client model strings into concrete upstream routes.
//
// Routing state (providers, groups, aliases) lives in an immutable Snapshot
// behind an atomic pointer. Reload builds a fresh snapshot from the store and
// swaps it in; readers never observe a partially updated table.
//
// Resolution order for a raw model string:
//
//  1. an alias rewrites the string once
//  2. "<group prefix><id>" selects a member of a model group
//  3. "<provider>/<model>" routes directly to a provider
//  4. a bare name goes to the default provider, if one is configured
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// DefaultGroupPrefix namespaces group routes.
const DefaultGroupPrefix = "group/"

// Source loads routing state. *store.Store satisfies it.
type Source interface {
	ListProviders(ctx context.Context) ([]store.Provider, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
	ListAliases(ctx context.Context) ([]store.Alias, error)
}

// Snapshot is one immutable routing table.
type Snapshot struct {
	Providers map[string]providers.Endpoint
	Groups    map[string]store.Group
	Aliases   map[string]string
	LoadedAt  time.Time
}

// ProviderNames returns the provider names in no particular order.
func (s *Snapshot) ProviderNames() []string {
	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	return names
}

// Route is a resolved request target.
type Route struct {
	Endpoint providers.Endpoint
	// Model is the upstream model name.
	Model string
	// Group is the group id for group routes, empty for direct routes.
	Group string
}

// Options configures a Resolver.
type Options struct {
	GroupPrefix     string
	DefaultProvider string
	// Counter backs round-robin positions shared across gateway instances.
	// When nil or failing, a process-local counter is used.
	Counter cache.Counter
	// Breaker, when set, removes members of open providers from group
	// selection.
	Breaker *Breaker
	Logger  *slog.Logger
	// IntN returns a uniform int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

// Resolver is safe for concurrent use.
type Resolver struct {
	src  Source
	opts Options
	log  *slog.Logger

	snap atomic.Pointer[Snapshot]

	reloadMu sync.Mutex
	local    sync.Map // group id → *atomic.Int64
}

func New(src Source, opts Options) *Resolver {
	if opts.GroupPrefix == "" {
		opts.GroupPrefix = DefaultGroupPrefix
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{src: src, opts: opts, log: log}
}

// GroupPrefix returns the namespace used for group routes.
func (r *Resolver) GroupPrefix() string { return r.opts.GroupPrefix }

// Snapshot returns the current routing table, or nil before the first Reload.
func (r *Resolver) Snapshot() *Snapshot { return r.snap.Load() }

// Reload rebuilds the routing table from the source and swaps it in.
// Providers with an unknown family are skipped with a warning.
func (r *Resolver) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	provs, err := r.src.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("routing: load providers: %w", err)
	}
	groups, err := r.src.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("routing: load groups: %w", err)
	}
	aliases, err := r.src.ListAliases(ctx)
	if err != nil {
		return fmt.Errorf("routing: load aliases: %w", err)
	}

	next := &Snapshot{
		Providers: make(map[string]providers.Endpoint, len(provs)),
		Groups:    make(map[string]store.Group, len(groups)),
		Aliases:   make(map[string]string, len(aliases)),
		LoadedAt:  time.Now(),
	}
	for _, p := range provs {
		fam, err := providers.ParseFamily(p.Family)
		if err != nil {
			r.log.Warn("provider_skipped",
				slog.String("provider", p.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		next.Providers[p.Name] = providers.Endpoint{
			Name:    p.Name,
			Family:  fam,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
		}
	}
	for _, g := range groups {
		next.Groups[g.ID] = g
	}
	for _, a := range aliases {
		next.Aliases[a.Source] = a.Target
	}

	if prev := r.snap.Swap(next); prev != nil && r.opts.Breaker != nil {
		for name := range prev.Providers {
			if _, ok := next.Providers[name]; !ok {
				r.opts.Breaker.Forget(name)
			}
		}
	}

	r.log.Debug("snapshot_reloaded",
		slog.Int("providers", len(next.Providers)),
		slog.Int("groups", len(next.Groups)),
		slog.Int("aliases", len(next.Aliases)),
	)
	return nil
}

// Run reloads the snapshot every interval until ctx is done. Other gateway
// instances sharing the store converge within one interval.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("snapshot_reload_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Resolve maps a raw model string to a route. Failures are *apierr.Error:
// NotFound for unknown providers, groups or names, NoCapacity for a group
// without a usable member.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Route, error) {
	snap := r.snap.Load()
	if snap == nil {
		return Route{}, apierr.Internal("routing table is not loaded")
	}

	model := raw
	if target, ok := snap.Aliases[raw]; ok {
		model = target
	}

	if id, ok := strings.CutPrefix(model, r.opts.GroupPrefix); ok {
		return r.resolveGroup(ctx, snap, id)
	}

	if name, upstream, ok := strings.Cut(model, "/"); ok {
		ep, found := snap.Providers[name]
		if !found {
			return Route{}, apierr.NotFound("provider %q not found", name)
		}
		if upstream == "" {
			return Route{}, apierr.InvalidRequest("model %q has an empty model name", model)
		}
		return Route{Endpoint: ep, Model: upstream}, nil
	}

	if r.opts.DefaultProvider != "" {
		if ep, found := snap.Providers[r.opts.DefaultProvider]; found {
			return Route{Endpoint: ep, Model: model}, nil
		}
	}
	return Route{}, apierr.NotFound("model %q not found; use <provider>/<model> or %s<group>", model, r.opts.GroupPrefix)
}

func (r *Resolver) resolveGroup(ctx context.Context, snap *Snapshot, id string) (Route, error) {
	g, ok := snap.Groups[id]
	if !ok {
		return Route{}, apierr.NotFound("model group %q not found", id)
	}
	if len(g.Members) == 0 {
		return Route{}, apierr.NoCapacity("model group %q has no members", id)
	}

	candidates := make([]store.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if _, ok := snap.Providers[m.Provider]; !ok {
			continue
		}
		if r.opts.Breaker != nil && !r.opts.Breaker.Available(m.Provider) {
			continue
		}
		candidates = append(candidates, m)
	}

	for len(candidates) > 0 {
		i := r.pick(ctx, g, candidates)
		m := candidates[i]

		// Allow claims the half-open probe; losing that race drops the member.
		if r.opts.Breaker == nil || r.opts.Breaker.Allow(m.Provider) {
			return Route{Endpoint: snap.Providers[m.Provider], Model: m.TargetModel, Group: g.ID}, nil
		}
		candidates = append(candidates[:i:i], candidates[i+1:]...)
	}

	return Route{}, apierr.NoCapacity("model group %q has no available members", id)
}

func (r *Resolver) pick(ctx context.Context, g store.Group, members []store.Member) int {
	switch g.Strategy {
	case store.StrategyRoundRobin:
		n := r.nextPosition(ctx, g.ID)
		return int((n - 1) % int64(len(members)))
	case store.StrategyWeighted:
		return pickWeighted(members, r.opts.IntN)
	default:
		return r.opts.IntN(len(members))
	}
}

// nextPosition returns a 1-based, ever-increasing position for group id.
func (r *Resolver) nextPosition(ctx context.Context, id string) int64 {
	if r.opts.Counter != nil {
		n, err := r.opts.Counter.Incr(ctx, roundRobinKey(id))
		if err == nil && n > 0 {
			return n
		}
		if err != nil {
			r.log.Warn("round_robin_degraded",
				slog.String("group", id),
				slog.String("error", err.Error()),
			)
		}
	}

	v, _ := r.local.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

func roundRobinKey(id string) string { return "gw:rr:" + id }

// pickWeighted draws one slot from a pool in which each member occupies
// weight slots. Weights below 1 count as 1.
func pickWeighted(members []store.Member, intN func(int) int) int {
	total := 0
	for _, m := range members {
		total += max(m.Weight, 1)
	}

	x := intN(total)
	for i, m := range members {
		x -= max(m.Weight, 1)
		if x < 0 {
			return i
		}
	}
	return len(members) - 1
}
