// Package catalog serves the model list of GET /v1/models.
//
// The list is the union of every provider's upstream models, prefixed with
// the provider name, plus one entry per model group. It is cached for a
// fixed TTL and never invalidated on configuration changes.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/routing"
)

const (
	// CacheKey is where the rendered list is stored.
	CacheKey = "gw:models"

	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 10 * time.Second

	// GroupOwner is the owned_by value of group entries.
	GroupOwner = "model_group"

	// created is a fixed timestamp; upstream creation dates are not tracked.
	created = 1700000000
)

// Lister lists the upstream models of one endpoint. *providers.Client
// satisfies it.
type Lister interface {
	ListModels(ctx context.Context, ep providers.Endpoint) ([]string, error)
}

// SnapshotSource yields the current routing table. *routing.Resolver
// satisfies it.
type SnapshotSource interface {
	Snapshot() *routing.Snapshot
	GroupPrefix() string
}

// Model is one entry of the list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// List is the response document.
type List struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Metrics      *metrics.Registry
	Logger       *slog.Logger
}

// Catalog is safe for concurrent use. Concurrent misses share one rebuild.
type Catalog struct {
	lister Lister
	source SnapshotSource
	store  cache.Cache
	opts   Options
	log    *slog.Logger

	sf singleflight.Group
}

func New(lister Lister, source SnapshotSource, store cache.Cache, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{lister: lister, source: source, store: store, opts: opts, log: log}
}

// JSON returns the rendered model list, from cache when it is fresh.
func (c *Catalog) JSON(ctx context.Context) ([]byte, error) {
	if body, ok := c.store.Get(ctx, CacheKey); ok {
		c.opts.Metrics.RecordCatalog("hit")
		return body, nil
	}

	v, err, _ := c.sf.Do(CacheKey, func() (any, error) {
		body, err := json.Marshal(c.build(ctx))
		if err != nil {
			return nil, fmt.Errorf("catalog: encode: %w", err)
		}
		if err := c.store.Set(ctx, CacheKey, body, c.opts.TTL); err != nil {
			c.log.Warn("catalog_cache_set_error", slog.String("error", err.Error()))
		}
		c.opts.Metrics.RecordCatalog("rebuilt")
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// build fans out to every provider. A provider that fails or times out
// contributes nothing.
func (c *Catalog) build(ctx context.Context) List {
	list := List{Object: "list", Data: []Model{}}

	snap := c.source.Snapshot()
	if snap == nil {
		return list
	}

	names := snap.ProviderNames()
	sort.Strings(names)
	results := make([][]Model, len(names))

	// Workers never return an error, so one provider cannot cancel the rest.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(8)
	for i, name := range names {
		ep := snap.Providers[name]
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, c.opts.FetchTimeout)
			defer cancel()

			ids, err := c.lister.ListModels(fctx, ep)
			if err != nil {
				c.opts.Metrics.RecordCatalog("provider_error")
				c.log.Warn("catalog_provider_error",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				return nil
			}

			models := make([]Model, 0, len(ids))
			for _, id := range ids {
				models = append(models, Model{
					ID:      name + "/" + id,
					Object:  "model",
					Created: created,
					OwnedBy: string(ep.Family),
				})
			}
			results[i] = models
			return nil
		})
	}
	_ = g.Wait()

	for _, models := range results {
		list.Data = append(list.Data, models...)
	}

	groups := make([]string, 0, len(snap.Groups))
	for id := range snap.Groups {
		groups = append(groups, id)
	}
	sort.Strings(groups)
	for _, id := range groups {
		list.Data = append(list.Data, Model{
			ID:      c.source.GroupPrefix() + id,
			Object:  "model",
			Created: created,
			OwnedBy: GroupOwner,
		})
	}
	return list
}
