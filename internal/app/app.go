// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore     persistent store, seed file, master tracker key
//  2. initInfra     Redis, when configured and reachable
//  3. initServices  caches, metrics registry
//  4. initRouting   circuit breaker, resolver and its first snapshot
//  5. initDispatch  provider drivers, executor, model catalog
//  6. initLogs      request-log pipeline and its sinks
//  7. initGateway   admission, health checks, HTTP server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/modelgate/internal/admission"
	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/catalog"
	"github.com/nulpointcorp/modelgate/internal/config"
	"github.com/nulpointcorp/modelgate/internal/dispatch"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/proxy"
	"github.com/nulpointcorp/modelgate/internal/reqlog"
	"github.com/nulpointcorp/modelgate/internal/routing"
	"github.com/nulpointcorp/modelgate/internal/store"
)

const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store *store.Store
	// redis is nil when REDIS_URL is empty or unreachable at startup.
	redis *cache.RedisStore

	memCache     *cache.MemoryCache
	catalogCache cache.Cache
	respCache    cache.Cache
	prom         *metrics.Registry

	breaker   *routing.Breaker
	resolver  *routing.Resolver
	executor  *dispatch.Executor
	catalog   *catalog.Catalog
	sink      *reqlog.ClickHouseSink
	logs      *reqlog.Pipeline
	admission *admission.Controller
	health    *proxy.HealthChecker
	server    *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"routing", a.initRouting},
		{"dispatch", a.initDispatch},
		{"logs", a.initLogs},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run serves HTTP and reloads the routing snapshot until ctx is cancelled,
// then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	snap := a.resolver.Snapshot()
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", ln.Addr().String()),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("log_mode", a.cfg.Logs.Mode),
		slog.Bool("redis", a.redis != nil),
		slog.Bool("rate_limiting", a.admission.RateLimiting()),
		slog.Int("providers", len(snap.Providers)),
		slog.Int("groups", len(snap.Groups)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve(ln)
	})

	g.Go(func() error {
		return a.resolver.Run(gctx, a.cfg.Routing.ReloadInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("app: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Buffered request logs
// are flushed before the store closes. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.health != nil {
			a.health.Close()
		}
		if a.logs != nil {
			if err := a.logs.Close(); err != nil {
				a.log.Error("log pipeline close error", slog.String("error", err.Error()))
			}
		}
		if a.sink != nil {
			if err := a.sink.Close(); err != nil {
				a.log.Error("clickhouse close error", slog.String("error", err.Error()))
			}
		}
		if a.memCache != nil {
			_ = a.memCache.Close()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Error("store close error", slog.String("error", err.Error()))
			}
		}
	})
}
