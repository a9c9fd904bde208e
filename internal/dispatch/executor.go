// Package dispatch runs a resolved chat completion against its provider and
// normalizes the outcome into the gateway wire format: a JSON body, an SSE
// stream ending in "data: [DONE]", or an *apierr.Error.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/providers"
	"github.com/nulpointcorp/modelgate/internal/routing"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// DefaultTimeout bounds one upstream call, streams included.
const DefaultTimeout = 120 * time.Second

// Backend is the LLM backend client. *providers.Client satisfies it.
type Backend interface {
	Complete(ctx context.Context, ep providers.Endpoint, req *providers.Request) (*providers.Response, error)
}

// Options configures an Executor. Everything but the backend is optional.
type Options struct {
	Timeout time.Duration
	Breaker *routing.Breaker
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// ResponseCache, when set, stores non-streaming completions for
	// ResponseTTL. Models on Exclusions are never cached.
	ResponseCache cache.Cache
	ResponseTTL   time.Duration
	Exclusions    *cache.ExclusionList
}

// Executor is safe for concurrent use.
type Executor struct {
	backend Backend
	opts    Options
	log     *slog.Logger
}

func New(backend Backend, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{backend: backend, opts: opts, log: log}
}

// Result is a successful dispatch. Exactly one of Body and Stream is set.
type Result struct {
	Body   []byte
	Usage  providers.Usage
	Cached bool
	Stream <-chan providers.Chunk

	route   routing.Route
	start   time.Time
	ctx     context.Context
	release context.CancelFunc
}

// Close releases the upstream call of an unconsumed stream. Stream calls it
// itself; it is safe to call more than once.
func (r *Result) Close() {
	if r.release != nil {
		r.release()
	}
}

// Execute sends req to route. Failures are returned as *apierr.Error.
//
// Calls run under their own context bounded by the timeout: neither a
// client that goes away nor server shutdown aborts an upstream call already
// in flight. A relayed stream is released by Result.Close.
func (e *Executor) Execute(ctx context.Context, route routing.Route, req *ChatRequest, requestID string) (*Result, error) {
	cacheKey := e.cacheKey(route, req)
	if cacheKey != "" {
		if body, ok := e.opts.ResponseCache.Get(ctx, cacheKey); ok {
			e.opts.Metrics.RecordCache("hit")
			return &Result{Body: body, Cached: true, route: route}, nil
		}
		e.opts.Metrics.RecordCache("miss")
	} else if e.opts.ResponseCache != nil && !req.Stream {
		e.opts.Metrics.RecordCache("bypass")
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)

	start := time.Now()
	resp, err := e.backend.Complete(callCtx, route.Endpoint, &providers.Request{
		Model:     route.Model,
		Messages:  req.Messages,
		Params:    req.Params,
		Stream:    req.Stream,
		RequestID: requestID,
	})
	if err != nil {
		cancel()
		return nil, e.fail(route, req.Stream, start, err)
	}

	if req.Stream && resp.Stream != nil {
		return &Result{Stream: resp.Stream, route: route, start: start, ctx: callCtx, release: cancel}, nil
	}
	cancel()

	e.succeed(route, req.Stream, start, resp.Usage)

	if cacheKey != "" {
		if err := e.opts.ResponseCache.Set(ctx, cacheKey, resp.Body, e.opts.ResponseTTL); err != nil {
			e.opts.Metrics.RecordCache("set_error")
			e.log.Warn("cache_set_error", slog.String("error", err.Error()))
		} else {
			e.opts.Metrics.RecordCache("set_ok")
		}
	}

	return &Result{Body: resp.Body, Usage: resp.Usage, route: route}, nil
}

// StreamOutcome summarizes a relayed stream.
type StreamOutcome struct {
	Usage providers.Usage
	// Err is the inline error sent to the client, if any.
	Err *apierr.Error
	// ClientGone reports that writing to the client failed.
	ClientGone bool
}

// Stream relays res.Stream to w as server-sent events:
//
//	data: <chunk json>\n\n   for every chunk
//	data: <error envelope>\n\n if the upstream fails mid-stream
//	data: [DONE]\n\n          at the end
//
// The status line is already committed, so a mid-stream failure can only
// be reported inline. A failed write stops the relay and cancels the
// upstream call.
func (e *Executor) Stream(w *bufio.Writer, res *Result) StreamOutcome {
	defer res.Close()

	var (
		out       StreamOutcome
		textBytes int
		upstream  error
	)

	for c := range res.Stream {
		if c.Err != nil {
			upstream = c.Err
			break
		}
		if c.Usage != nil {
			out.Usage = *c.Usage
		}
		textBytes += len(c.Text)
		if len(c.Data) == 0 {
			continue
		}
		if err := writeEvent(w, c.Data); err != nil {
			out.ClientGone = true
			e.log.Debug("stream_client_gone", slog.String("provider", res.route.Endpoint.Name))
			break
		}
	}

	// Drivers stop sending once the call context ends, so a deadline can
	// close the stream without an error chunk.
	if upstream == nil && !out.ClientGone && res.ctx != nil && res.ctx.Err() != nil {
		upstream = res.ctx.Err()
	}

	if out.Usage.OutputTokens == 0 && textBytes > 0 {
		out.Usage.OutputTokens = EstimateTokens(textBytes)
	}

	if upstream != nil {
		out.Err = e.fail(res.route, true, res.start, upstream)
	} else if !out.ClientGone {
		e.succeed(res.route, true, res.start, out.Usage)
	}

	if out.ClientGone {
		return out
	}

	if out.Err != nil {
		if err := writeEvent(w, out.Err.Body()); err != nil {
			out.ClientGone = true
			return out
		}
	}
	if err := writeEvent(w, doneSentinel); err != nil {
		out.ClientGone = true
	}
	return out
}

// EstimateTokens approximates a token count from text length when the
// upstream reports none.
func EstimateTokens(textBytes int) int64 {
	return int64((textBytes + 3) / 4)
}

var doneSentinel = []byte("[DONE]")

func writeEvent(w *bufio.Writer, data []byte) error {
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (e *Executor) cacheKey(route routing.Route, req *ChatRequest) string {
	if e.opts.ResponseCache == nil || req.Stream {
		return ""
	}
	if e.opts.Exclusions.Excludes(route.Endpoint.Name, route.Model) {
		return ""
	}
	return cache.ResponseKey(route.Endpoint.Name, route.Model, req.Raw)
}

func (e *Executor) succeed(route routing.Route, stream bool, start time.Time, usage providers.Usage) {
	name := route.Endpoint.Name
	if e.opts.Breaker != nil {
		e.opts.Breaker.RecordSuccess(name)
	}
	e.opts.Metrics.ObserveUpstream(name, "success", stream, time.Since(start))
	e.opts.Metrics.AddTokens(name, usage.InputTokens, usage.OutputTokens)
}

func (e *Executor) fail(route routing.Route, stream bool, start time.Time, err error) *apierr.Error {
	name := route.Endpoint.Name
	ae := apierr.FromError(err)

	if errors.Is(err, context.Canceled) {
		return ae
	}

	if e.opts.Breaker != nil {
		if providers.IsServerFault(err) {
			e.opts.Breaker.RecordFailure(name)
		} else {
			e.opts.Breaker.RecordSuccess(name)
		}
	}
	e.opts.Metrics.ObserveUpstream(name, "error", stream, time.Since(start))
	e.opts.Metrics.RecordError(name, ae.Type)

	e.log.Warn("provider_error",
		slog.String("provider", name),
		slog.String("model", route.Model),
		slog.Int("status", ae.Status),
		slog.String("type", ae.Type),
		slog.String("error", err.Error()),
	)
	return ae
}
