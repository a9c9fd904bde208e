package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nulpointcorp/modelgate/internal/admission"
	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/catalog"
	"github.com/nulpointcorp/modelgate/internal/dispatch"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/providers/anthropic"
	"github.com/nulpointcorp/modelgate/internal/providers/azure"
	"github.com/nulpointcorp/modelgate/internal/providers/gemini"
	"github.com/nulpointcorp/modelgate/internal/providers/openaicompat"
	"github.com/nulpointcorp/modelgate/internal/proxy"
	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/reqlog"
	"github.com/nulpointcorp/modelgate/internal/routing"
	"github.com/nulpointcorp/modelgate/internal/seed"
	"github.com/nulpointcorp/modelgate/internal/store"
)

const (
	openRouterReferer = "https://github.com/nulpointcorp/modelgate"
	openRouterTitle   = "modelgate"
)

// initStore opens the persistent store, applies the seed file and makes
// sure the master tracker key exists.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Database.URL != "" {
		a.log.Info("opening postgres store", slog.String("url", redactURL(a.cfg.Database.URL)))
	} else {
		a.log.Info("opening sqlite store", slog.String("path", a.cfg.Database.Path))
	}

	st, err := store.Open(ctx, store.Options{DatabaseURL: a.cfg.Database.URL, Path: a.cfg.Database.Path})
	if err != nil {
		return err
	}
	a.store = st

	if a.cfg.SeedFile != "" {
		f, err := seed.Load(a.cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := f.Apply(ctx, st); err != nil {
			return err
		}
		a.log.Info("seed applied",
			slog.String("file", a.cfg.SeedFile),
			slog.Int("providers", len(f.Providers)),
			slog.Int("groups", len(f.Groups)),
			slog.Int("aliases", len(f.Aliases)),
			slog.Int("keys", len(f.Keys)),
		)
	}

	if err := st.EnsureKey(ctx, admission.TrackerKeyRecord()); err != nil {
		return fmt.Errorf("tracker key: %w", err)
	}
	return nil
}

// initInfra connects to Redis when configured. An unreachable Redis is not
// fatal: the gateway runs without rate limiting, with process-local
// round-robin counters and in-process caches and log queue.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.log.Info("redis not configured; rate limiting disabled")
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rs, err := cache.NewRedisStoreFromURL(ctx, a.cfg.Redis.URL)
	if err != nil {
		a.log.Warn("redis unavailable; running degraded",
			slog.String("error", err.Error()),
		)
		return nil
	}
	a.redis = rs
	a.log.Info("redis connected")
	return nil
}

// initServices creates the caches and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.memCache = cache.NewMemoryCache(ctx)
	a.catalogCache = a.memCache

	switch a.cfg.Cache.Mode {
	case "redis":
		if a.redis != nil {
			a.catalogCache = a.redis
			a.log.Info("cache backend: redis")
		} else {
			a.log.Warn("cache backend: memory (redis unavailable)")
		}
	case "memory":
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled; catalog cached in-process")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if a.cfg.Cache.Responses && a.cfg.Cache.Mode != "none" {
		a.respCache = a.catalogCache
	}
	return nil
}

// initRouting builds the breaker and the resolver, then loads the first
// snapshot. A store that cannot be read at startup is fatal.
func (a *App) initRouting(ctx context.Context) error {
	cb := a.cfg.CircuitBreaker
	a.breaker = routing.NewBreaker(routing.BreakerConfig{
		ErrorThreshold:  cb.ErrorThreshold,
		TimeWindow:      cb.TimeWindow,
		HalfOpenTimeout: cb.HalfOpenTimeout,
		OnStateChange: func(provider string, to routing.BreakerState) {
			a.prom.SetCircuitBreaker(provider, int64(to))
			a.log.Warn("circuit_breaker_transition",
				slog.String("provider", provider),
				slog.String("state", to.String()),
			)
		},
	})

	opts := routing.Options{
		GroupPrefix:     a.cfg.Routing.GroupPrefix,
		DefaultProvider: a.cfg.Routing.DefaultProvider,
		Breaker:         a.breaker,
		Logger:          a.log,
	}
	if a.redis != nil {
		opts.Counter = a.redis
	} else {
		opts.Counter = a.memCache
	}
	a.resolver = routing.New(a.store, opts)

	return a.resolver.Reload(ctx)
}

// initDispatch registers one driver per provider family and builds the
// executor and the model catalog on top of them.
func (a *App) initDispatch(_ context.Context) error {
	hc := newHTTPClient()

	backend := providers.NewClient(map[providers.Family]providers.Driver{
		providers.FamilyOpenAI:     openaicompat.New(providers.FamilyOpenAI, hc),
		providers.FamilyOpenRouter: openaicompat.NewOpenRouter(hc, openRouterReferer, openRouterTitle),
		providers.FamilyAzure:      azure.New(hc, a.cfg.AzureAPIVersion),
		providers.FamilyGemini:     gemini.New(hc),
		providers.FamilyAnthropic:  anthropic.New(hc),
	})

	excl, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}

	a.executor = dispatch.New(backend, dispatch.Options{
		Timeout:       a.cfg.ProviderTimeout,
		Breaker:       a.breaker,
		Metrics:       a.prom,
		Logger:        a.log,
		ResponseCache: a.respCache,
		ResponseTTL:   a.cfg.Cache.TTL,
		Exclusions:    excl,
	})
	if a.respCache != nil {
		a.log.Info("response cache enabled",
			slog.Duration("ttl", a.cfg.Cache.TTL),
			slog.Int("exclusion_rules", excl.Len()),
		)
	}

	a.catalog = catalog.New(backend, a.resolver, a.catalogCache, catalog.Options{
		TTL:          a.cfg.Catalog.TTL,
		FetchTimeout: a.cfg.Catalog.FetchTimeout,
		Metrics:      a.prom,
		Logger:       a.log,
	})
	return nil
}

// initLogs starts the request-log pipeline. The Redis queue and in-flight
// set are used only when Redis is up.
func (a *App) initLogs(ctx context.Context) error {
	lc := a.cfg.Logs
	opts := reqlog.Options{
		Mode:          lc.Mode,
		Buffer:        lc.Buffer,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.FlushInterval,
		Metrics:       a.prom,
		Logger:        a.log,
	}
	if a.redis != nil {
		opts.InFlight = a.redis
		if lc.Queue == "redis" {
			opts.Queue = a.redis
		}
	} else if lc.Queue == "redis" {
		a.log.Warn("log queue: memory (redis unavailable)")
	}

	if lc.ClickHouseDSN != "" {
		sink, err := reqlog.NewClickHouseSink(ctx, lc.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.sink = sink
		opts.Sinks = append(opts.Sinks, sink)
		a.log.Info("clickhouse log sink enabled", slog.String("dsn", redactURL(lc.ClickHouseDSN)))
	}

	p, err := reqlog.New(a.baseCtx, a.store, opts)
	if err != nil {
		return err
	}
	a.logs = p
	return nil
}

// initGateway builds admission, health checks and the HTTP server.
func (a *App) initGateway(ctx context.Context) error {
	var limiter admission.RateLimiter
	if a.redis != nil {
		limiter = ratelimit.New(a.redis)
	}
	a.admission = admission.New(a.store, limiter, a.cfg.MasterKey)

	hcfg := proxy.HealthConfig{
		Database: a.store.Ping,
		Resolver: a.resolver,
		Breaker:  a.breaker,
	}
	if a.redis != nil {
		hcfg.Cache = a.redis.Ping
	}
	health, err := proxy.NewHealthChecker(ctx, hcfg)
	if err != nil {
		return err
	}
	a.health = health

	a.server = proxy.New(proxy.Options{
		Admission:   a.admission,
		Resolver:    a.resolver,
		Executor:    a.executor,
		Catalog:     a.catalog,
		Logs:        a.logs,
		Admin:       a.store,
		Health:      a.health,
		Metrics:     a.prom,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		BaseContext: a.baseCtx,
	})
	return nil
}

// newHTTPClient is shared by every driver. It has no overall timeout:
// each call is bounded by the executor's context deadline, and streams
// must be allowed to run that long.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
