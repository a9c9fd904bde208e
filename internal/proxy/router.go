package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/admission"
	"github.com/nulpointcorp/modelgate/internal/catalog"
	"github.com/nulpointcorp/modelgate/internal/dispatch"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/reqlog"
	"github.com/nulpointcorp/modelgate/internal/routing"
)

// Options wires the server to the gateway components. Health, Metrics and
// Logger are optional.
type Options struct {
	Admission *admission.Controller
	Resolver  *routing.Resolver
	Executor  *dispatch.Executor
	Catalog   *catalog.Catalog
	Logs      *reqlog.Pipeline
	Admin     AdminStore
	Health    *HealthChecker
	Metrics   *metrics.Registry
	Logger    *slog.Logger

	CORSOrigins []string

	// BaseContext parents upstream calls. Cancelling it aborts streams that
	// are still open. Defaults to context.Background().
	BaseContext context.Context
}

// Server is the HTTP front of the gateway.
type Server struct {
	admission *admission.Controller
	resolver  *routing.Resolver
	executor  *dispatch.Executor
	catalog   *catalog.Catalog
	logs      *reqlog.Pipeline
	admin     AdminStore
	health    *HealthChecker
	metrics   *metrics.Registry
	log       *slog.Logger

	corsOrigins []string
	baseCtx     context.Context

	srv *fasthttp.Server
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}

	s := &Server{
		admission:   opts.Admission,
		resolver:    opts.Resolver,
		executor:    opts.Executor,
		catalog:     opts.Catalog,
		logs:        opts.Logs,
		admin:       opts.Admin,
		health:      opts.Health,
		metrics:     opts.Metrics,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		baseCtx:     base,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "modelgate",
		ReadTimeout:  60 * time.Second,
		// Streams can outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	admin := r.Group("/api/admin")
	admin.GET("/providers", s.requireMaster(s.listProviders))
	admin.POST("/providers", s.requireMaster(s.saveProvider))
	admin.DELETE("/providers/{name}", s.requireMaster(s.deleteProvider))
	admin.GET("/keys", s.requireMaster(s.listKeys))
	admin.POST("/keys", s.requireMaster(s.createKey))
	admin.DELETE("/keys/{key}", s.requireMaster(s.deleteKey))
	admin.GET("/groups", s.requireMaster(s.listGroups))
	admin.POST("/groups", s.requireMaster(s.saveGroup))
	admin.DELETE("/groups/{id}", s.requireMaster(s.deleteGroup))
	admin.GET("/aliases", s.requireMaster(s.listAliases))
	admin.POST("/aliases", s.requireMaster(s.saveAlias))
	admin.DELETE("/aliases/{source}", s.requireMaster(s.deleteAlias))
	admin.GET("/logs", s.requireMaster(s.listLogs))
	admin.POST("/reload", s.requireMaster(s.reload))

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeJSONStatus(ctx, fasthttp.StatusNotFound, map[string]any{"error": map[string]any{
			"message": "route not found",
			"type":    "invalid_request_error",
			"param":   nil,
			"code":    fasthttp.StatusNotFound,
		}})
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.observe,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http_listening", slog.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

// ListenAndServe listens on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	setRoute(ctx, "health")
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	setRoute(ctx, "readiness")
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSONStatus(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	writeJSONStatus(ctx, fasthttp.StatusOK, v)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":{"message":"failed to encode response","type":"internal_server_error","param":null,"code":500}}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
