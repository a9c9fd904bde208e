package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/admission"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// AdminStore is the configuration store behind /api/admin. *store.Store
// satisfies it.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]store.Provider, error)
	UpsertProvider(ctx context.Context, p store.Provider) error
	DeleteProvider(ctx context.Context, name string) error

	ListKeys(ctx context.Context, withHidden bool) ([]store.Key, error)
	CreateKey(ctx context.Context, k store.Key) (store.Key, error)
	DeleteKey(ctx context.Context, token string) error

	ListGroups(ctx context.Context) ([]store.Group, error)
	SaveGroup(ctx context.Context, g store.Group) error
	DeleteGroup(ctx context.Context, id string) error

	ListAliases(ctx context.Context) ([]store.Alias, error)
	UpsertAlias(ctx context.Context, a store.Alias) error
	DeleteAlias(ctx context.Context, source string) error

	ListLogs(ctx context.Context, limit int) ([]store.RequestLog, error)
}

// requireMaster guards a handler with the master key: 401 without a bearer
// token, 403 with any other token.
func (s *Server) requireMaster(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		setRoute(ctx, "admin")
		token := admission.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.Write(ctx, apierr.Unauthorized("Missing or malformed Authorization header; expected 'Bearer <master key>'"))
			return
		}
		if !s.admission.IsMaster(token) {
			apierr.Write(ctx, apierr.Forbidden("admin API requires the master key"))
			return
		}
		if s.admin == nil {
			apierr.Write(ctx, apierr.Internal("admin store is not configured"))
			return
		}
		next(ctx)
	}
}

func (s *Server) listProviders(ctx *fasthttp.RequestCtx) {
	list, err := s.admin.ListProviders(ctx)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	for i := range list {
		list[i].APIKey = maskSecret(list[i].APIKey)
	}
	writeJSON(ctx, map[string]any{"data": list})
}

func (s *Server) saveProvider(ctx *fasthttp.RequestCtx) {
	var p store.Provider
	if !decodeBody(ctx, &p) {
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || strings.Contains(p.Name, "/") {
		apierr.Write(ctx, apierr.InvalidRequest("provider name must be non-empty and must not contain '/'"))
		return
	}
	if _, err := providers.ParseFamily(p.Family); err != nil {
		apierr.Write(ctx, apierr.InvalidRequest("%v", err))
		return
	}
	if err := s.admin.UpsertProvider(ctx, p); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "provider_saved", p.Name)

	p.APIKey = maskSecret(p.APIKey)
	writeJSONStatus(ctx, fasthttp.StatusCreated, p)
}

func (s *Server) deleteProvider(ctx *fasthttp.RequestCtx) {
	name := pathParam(ctx, "name")
	if err := s.admin.DeleteProvider(ctx, name); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "provider_deleted", name)
	writeJSON(ctx, map[string]string{"deleted": name})
}

func (s *Server) listKeys(ctx *fasthttp.RequestCtx) {
	list, err := s.admin.ListKeys(ctx, false)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"data": list})
}

type keyRequest struct {
	Key                string `json:"key"`
	Name               string `json:"name"`
	UsageLimit         *int64 `json:"usage_limit"`
	RateLimitPerMinute *int64 `json:"rate_limit_per_minute"`
	Active             *bool  `json:"is_active"`
}

func (s *Server) createKey(ctx *fasthttp.RequestCtx) {
	var req keyRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.Key == admission.TrackerKey {
		apierr.Write(ctx, apierr.InvalidRequest("key %q is reserved", req.Key))
		return
	}
	if (req.UsageLimit != nil && *req.UsageLimit < 0) || (req.RateLimitPerMinute != nil && *req.RateLimitPerMinute < 1) {
		apierr.Write(ctx, apierr.InvalidRequest("usage_limit must be >= 0 and rate_limit_per_minute >= 1"))
		return
	}

	k := store.Key{
		Key:                strings.TrimSpace(req.Key),
		Name:               req.Name,
		UsageLimit:         req.UsageLimit,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Active:             req.Active == nil || *req.Active,
	}
	created, err := s.admin.CreateKey(ctx, k)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.log.InfoContext(ctx, "key_created", slog.String("name", created.Name))
	writeJSONStatus(ctx, fasthttp.StatusCreated, created)
}

func (s *Server) deleteKey(ctx *fasthttp.RequestCtx) {
	token := pathParam(ctx, "key")
	if err := s.admin.DeleteKey(ctx, token); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.log.InfoContext(ctx, "key_deleted")
	writeJSON(ctx, map[string]string{"deleted": maskSecret(token)})
}

func (s *Server) listGroups(ctx *fasthttp.RequestCtx) {
	list, err := s.admin.ListGroups(ctx)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"data": list})
}

func (s *Server) saveGroup(ctx *fasthttp.RequestCtx) {
	var g store.Group
	if !decodeBody(ctx, &g) {
		return
	}
	if err := validateGroup(&g); err != nil {
		apierr.Write(ctx, err)
		return
	}
	if err := s.admin.SaveGroup(ctx, g); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "group_saved", g.ID)
	writeJSONStatus(ctx, fasthttp.StatusCreated, g)
}

func validateGroup(g *store.Group) *apierr.Error {
	g.ID = strings.TrimSpace(g.ID)
	if g.ID == "" {
		return apierr.InvalidRequest("group id is required")
	}
	switch g.Strategy {
	case "":
		g.Strategy = store.StrategyRandom
	case store.StrategyRandom, store.StrategyRoundRobin, store.StrategyWeighted:
	default:
		return apierr.InvalidRequest("unknown strategy %q; expected random, round_robin or weighted", g.Strategy)
	}
	for i := range g.Members {
		m := &g.Members[i]
		if m.Provider == "" || m.TargetModel == "" {
			return apierr.InvalidRequest("member %d: provider and target_model are required", i)
		}
		if m.Weight < 0 {
			return apierr.InvalidRequest("member %d: weight must not be negative", i)
		}
		if m.Weight == 0 {
			m.Weight = 1
		}
	}
	return nil
}

func (s *Server) deleteGroup(ctx *fasthttp.RequestCtx) {
	id := pathParam(ctx, "id")
	if err := s.admin.DeleteGroup(ctx, id); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "group_deleted", id)
	writeJSON(ctx, map[string]string{"deleted": id})
}

func (s *Server) listAliases(ctx *fasthttp.RequestCtx) {
	list, err := s.admin.ListAliases(ctx)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"data": list})
}

func (s *Server) saveAlias(ctx *fasthttp.RequestCtx) {
	var a store.Alias
	if !decodeBody(ctx, &a) {
		return
	}
	a.Source = strings.TrimSpace(a.Source)
	a.Target = strings.TrimSpace(a.Target)
	if a.Source == "" || a.Target == "" {
		apierr.Write(ctx, apierr.InvalidRequest("source_model and target_model are required"))
		return
	}
	if a.Source == a.Target {
		apierr.Write(ctx, apierr.InvalidRequest("alias must not point at itself"))
		return
	}
	if err := s.admin.UpsertAlias(ctx, a); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "alias_saved", a.Source)
	writeJSONStatus(ctx, fasthttp.StatusCreated, a)
}

func (s *Server) deleteAlias(ctx *fasthttp.RequestCtx) {
	source := pathParam(ctx, "source")
	if err := s.admin.DeleteAlias(ctx, source); err != nil {
		writeStoreError(ctx, err)
		return
	}
	s.afterMutation(ctx, "alias_deleted", source)
	writeJSON(ctx, map[string]string{"deleted": source})
}

func (s *Server) listLogs(ctx *fasthttp.RequestCtx) {
	limit := defaultLogLimit
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n < 1 {
			apierr.Write(ctx, apierr.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxLogLimit)
	}
	list, err := s.admin.ListLogs(ctx, limit)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"data": list})
}

func (s *Server) reload(ctx *fasthttp.RequestCtx) {
	if err := s.resolver.Reload(ctx); err != nil {
		apierr.Write(ctx, apierr.Internal("reload failed: %v", err))
		return
	}
	snap := s.resolver.Snapshot()
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"providers": len(snap.Providers),
		"groups":    len(snap.Groups),
		"aliases":   len(snap.Aliases),
		"loaded_at": snap.LoadedAt,
	})
}

// afterMutation swaps in a fresh routing snapshot. A failed reload leaves
// the old snapshot in place until the periodic reload catches up.
func (s *Server) afterMutation(ctx *fasthttp.RequestCtx, event, id string) {
	s.log.InfoContext(ctx, event, slog.String("id", id))
	if err := s.resolver.Reload(ctx); err != nil {
		s.log.ErrorContext(ctx, "snapshot_reload_failed",
			slog.String("after", event),
			slog.String("error", err.Error()),
		)
	}
}

func decodeBody(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.Write(ctx, apierr.InvalidRequest("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, apierr.NotFound("not found"))
	case errors.Is(err, store.ErrHiddenKey):
		apierr.Write(ctx, apierr.Forbidden("hidden keys cannot be deleted"))
	default:
		apierr.Write(ctx, apierr.Internal("store: %v", err))
	}
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
