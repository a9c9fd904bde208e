// Package proxy is the HTTP surface of the gateway.
//
// A chat completion runs through authentication, body parsing, the
// processing log row, admission, model resolution and dispatch, then
// finishes its log row through the write-behind pipeline. Every failure a
// client sees is an apierr envelope; failures after an SSE stream has
// started are reported inline.
package proxy

import (
	"bufio"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/dispatch"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/routing"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// statusClientClosed marks a stream the client abandoned.
	statusClientClosed = 499
)

// attempt carries the log row of one billable request to its terminal write.
type attempt struct {
	entry store.RequestLog
	start time.Time
	route routing.Route
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	setRoute(ctx, "chat_completions")
	reqID := requestIDOf(ctx)

	key, err := s.admission.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		s.metrics.RecordAdmission("unauthorized")
		apierr.WriteError(ctx, err)
		return
	}

	req, err := dispatch.ParseChatBody(ctx.PostBody())
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	a := &attempt{start: time.Now()}
	a.entry = s.logs.Begin(ctx, store.RequestLog{
		GatewayKey: key.Key,
		Model:      req.Model,
		Stream:     req.Stream,
		App:        appName(ctx),
		IP:         ctx.RemoteIP().String(),
	})

	decision, err := s.admission.Admit(ctx, key)
	setRateLimitHeaders(ctx, decision.RateLimit)
	if err != nil {
		ae := apierr.FromError(err)
		s.metrics.RecordAdmission(ae.Type)
		s.log.WarnContext(ctx, "request_rejected",
			slog.String("request_id", reqID),
			slog.String("key_name", key.Name),
			slog.String("type", ae.Type),
		)
		s.finishFailed(a, ae)
		apierr.Write(ctx, ae)
		return
	}
	s.metrics.RecordAdmission("admitted")

	route, err := s.resolver.Resolve(ctx, req.Model)
	if err != nil {
		ae := apierr.FromError(err)
		s.finishFailed(a, ae)
		apierr.Write(ctx, ae)
		return
	}
	a.route = route
	s.metrics.RecordRoute(route.Group, route.Endpoint.Name)

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", route.Endpoint.Name),
		slog.String("upstream_model", route.Model),
		slog.String("group", route.Group),
		slog.Bool("stream", req.Stream),
		slog.Int64("usage_count", decision.UsageCount),
	)

	res, err := s.executor.Execute(s.baseCtx, route, req, reqID)
	if err != nil {
		ae := apierr.FromError(err)
		s.finishFailed(a, ae)
		apierr.Write(ctx, ae)
		return
	}

	if res.Stream != nil {
		s.writeStream(ctx, a, res)
		return
	}

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.Body)

	s.finishSucceeded(ctx, a, fasthttp.StatusOK, res.Usage)
}

// writeStream commits a 200 SSE response and relays the stream from the
// body writer, which runs after the handler has returned.
func (s *Server) writeStream(ctx *fasthttp.RequestCtx, a *attempt, res *dispatch.Result) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	reqID := requestIDOf(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		out := s.executor.Stream(w, res)

		switch {
		case out.ClientGone:
			s.log.Info("stream_client_gone", slog.String("request_id", reqID))
			s.finish(a, store.StatusFail, statusClientClosed, "client closed the stream", out.Usage)
		case out.Err != nil:
			s.finish(a, store.StatusFail, out.Err.Status, out.Err.Message, out.Usage)
		default:
			s.finish(a, store.StatusSuccess, fasthttp.StatusOK, "", out.Usage)
		}
	})
}

func (s *Server) finishSucceeded(ctx *fasthttp.RequestCtx, a *attempt, status int, u providers.Usage) {
	s.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("provider", a.route.Endpoint.Name),
		slog.Int64("input_tokens", u.InputTokens),
		slog.Int64("output_tokens", u.OutputTokens),
		slog.Duration("elapsed", time.Since(a.start)),
	)
	s.finish(a, store.StatusSuccess, status, "", u)
}

func (s *Server) finishFailed(a *attempt, ae *apierr.Error) {
	s.finish(a, store.StatusFail, ae.Status, ae.Message, providers.Usage{})
}

// finish hands the terminal row to the pipeline. It runs on the request
// path and inside stream writers, so it uses the server context.
func (s *Server) finish(a *attempt, status string, code int, msg string, u providers.Usage) {
	e := a.entry
	e.Status = status
	e.StatusCode = code
	e.Error = msg
	e.LatencyMs = time.Since(a.start).Milliseconds()
	e.InputTokens = u.InputTokens
	e.OutputTokens = u.OutputTokens
	e.Provider = a.route.Endpoint.Name
	e.RealModel = a.route.Model
	s.logs.Finish(s.baseCtx, e)
}

// handleModels serves the aggregated catalog. It authenticates the caller
// but does not count as usage.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	setRoute(ctx, "models")

	if _, err := s.admission.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization"))); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	body, err := s.catalog.JSON(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, rl *ratelimit.Result) {
	if rl == nil {
		return
	}
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
}

// appName identifies the calling application from the OpenRouter-style
// attribution headers.
func appName(ctx *fasthttp.RequestCtx) string {
	if v := ctx.Request.Header.Peek("X-Title"); len(v) > 0 {
		return string(v)
	}
	return string(ctx.Request.Header.Peek("HTTP-Referer"))
}
