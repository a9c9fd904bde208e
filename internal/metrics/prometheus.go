// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every method is safe on a nil *Registry, which records nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_admission_total{result}
	admissionTotal *prometheus.CounterVec

	// gateway_route_selections_total{group,provider}
	routeSelections *prometheus.CounterVec

	// gateway_upstream_requests_total{provider,outcome}
	upstreamTotal *prometheus.CounterVec

	// gateway_upstream_duration_seconds{provider,stream}
	upstreamDuration *prometheus.HistogramVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_response_cache_total{result}
	cacheOps *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_log_entries_total{result}: queued, flushed, dropped
	logEntries *prometheus.CounterVec

	// gateway_log_flush_duration_seconds
	logFlushDuration prometheus.Histogram

	// gateway_catalog_refresh_total{result}
	catalogRefresh *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP handler duration in seconds; streams stop the clock when headers are sent",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_total",
				Help: "Admission decisions: admitted, quota_exceeded, rate_limited, error",
			},
			[]string{"result"},
		),

		routeSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_selections_total",
				Help: "Resolved routes by group (empty for direct routes) and provider",
			},
			[]string{"group", "provider"},
		),

		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Upstream calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Upstream call duration in seconds; for streams, until the last chunk",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "stream"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Tokens processed by provider and direction (input, output)",
			},
			[]string{"provider", "direction"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Upstream errors by provider and normalized error type",
			},
			[]string{"provider", "error_type"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_response_cache_total",
				Help: "Response cache lookups and writes: hit, miss, bypass, set_ok, set_error",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "to_state"},
		),

		logEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_log_entries_total",
				Help: "Request log entries by pipeline result: queued, flushed, dropped",
			},
			[]string{"result"},
		),

		logFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_log_flush_duration_seconds",
			Help:    "Duration of one request log batch flush",
			Buckets: prometheus.DefBuckets,
		}),

		catalogRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_catalog_refresh_total",
				Help: "Model catalog lookups: hit, rebuilt, provider_error",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionTotal,
		r.routeSelections,
		r.upstreamTotal,
		r.upstreamDuration,
		r.tokensTotal,
		r.providerErrors,
		r.cacheOps,
		r.circuitBreakerState,
		r.cbTransitions,
		r.logEntries,
		r.logFlushDuration,
		r.catalogRefresh,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordAdmission(result string) {
	if r != nil {
		r.admissionTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordRoute(group, provider string) {
	if r != nil {
		r.routeSelections.WithLabelValues(group, provider).Inc()
	}
}

// ObserveUpstream records one upstream call. outcome is "success" or "error".
func (r *Registry) ObserveUpstream(provider, outcome string, stream bool, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamTotal.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, strconv.FormatBool(stream)).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int64) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordError(provider, errType string) {
	if r != nil {
		r.providerErrors.WithLabelValues(provider, errType).Inc()
	}
}

func (r *Registry) RecordCache(result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(result).Inc()
	}
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

// AddLogEntries counts n request log entries with the given pipeline result.
func (r *Registry) AddLogEntries(result string, n int) {
	if r != nil && n > 0 {
		r.logEntries.WithLabelValues(result).Add(float64(n))
	}
}

func (r *Registry) ObserveLogFlush(dur time.Duration) {
	if r != nil {
		r.logFlushDuration.Observe(dur.Seconds())
	}
}

func (r *Registry) RecordCatalog(result string) {
	if r != nil {
		r.catalogRefresh.WithLabelValues(result).Inc()
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
