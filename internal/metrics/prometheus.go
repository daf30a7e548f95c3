// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// gateway_requests_total{routing_method,operation,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{routing_method,operation}
	requestDuration *prometheus.HistogramVec

	// gateway_request_size_bytes{routing_method}
	reqSize *prometheus.HistogramVec

	// gateway_response_size_bytes{routing_method,status}
	respSize *prometheus.HistogramVec

	// gateway_errors_total{routing_method,category}
	errorsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{routing_method,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{routing_method,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_endpoint_health{endpoint} — 1=healthy, 0=unhealthy
	endpointHealth *prometheus.GaugeVec

	// circuit_breaker_state{endpoint} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_rejections_total{endpoint}
	cbRejections *prometheus.CounterVec

	// gateway_credential_refreshes_total{result}
	credentialRefreshes *prometheus.CounterVec

	// gateway_ratelimit_total{routing_method,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{routing_method,direction}
	tokensTotal *prometheus.CounterVec

	// catalog_cache_hits_total / catalog_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_audit_dropped_total
	auditDropped prometheus.Counter

	// gateway_audit_queue_depth
	auditQueueDepth prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	auditMu          sync.Mutex
	lastAuditDropped int64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests by routing method, operation, and status",
			},
			[]string{"routing_method", "operation", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
			[]string{"routing_method", "operation"},
		),

		reqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_size_bytes",
				Help:    "Request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"routing_method"},
		),

		respSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_response_size_bytes",
				Help:    "Response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"routing_method", "status"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Normalized errors by routing method and category",
			},
			[]string{"routing_method", "category"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Bedrock runtime attempts by routing method and outcome",
			},
			[]string{"routing_method", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Bedrock runtime attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45},
			},
			[]string{"routing_method", "outcome"},
		),

		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_endpoint_health",
				Help: "Vpn endpoint health (1=healthy, 0=unhealthy)",
			},
			[]string{"endpoint"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"endpoint"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected by an open circuit breaker",
			},
			[]string{"endpoint"},
		),

		credentialRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credential_refreshes_total",
				Help: "Credential refresh attempts by result",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions by routing method",
			},
			[]string{"routing_method", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from downstream usage fields",
			},
			[]string{"routing_method", "direction"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_cache_hits_total",
			Help: "Model catalog cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_cache_misses_total",
			Help: "Model catalog cache misses",
		}),

		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Audit entries dropped due to a full buffer",
		}),

		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_audit_queue_depth",
			Help: "Audit entries waiting to be flushed",
		}),

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
		r.requestsTotal,
		r.requestDuration,
		r.reqSize,
		r.respSize,
		r.errorsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.endpointHealth,
		r.circuitBreakerState,
		r.cbRejections,
		r.credentialRefreshes,
		r.rateLimitTotal,
		r.tokensTotal,
		r.cacheHits,
		r.cacheMisses,
		r.auditDropped,
		r.auditQueueDepth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one completed request.
func (r *Registry) ObserveRequest(routingMethod, operation string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.requestsTotal.WithLabelValues(routingMethod, operation, status).Inc()
	r.requestDuration.WithLabelValues(routingMethod, operation).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.reqSize.WithLabelValues(routingMethod).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.respSize.WithLabelValues(routingMethod, status).Observe(float64(respBytes))
	}
}

// RecordError counts one normalized error.
func (r *Registry) RecordError(routingMethod, category string) {
	r.errorsTotal.WithLabelValues(routingMethod, category).Inc()
}

// ObserveUpstreamAttempt records one Bedrock runtime call.
func (r *Registry) ObserveUpstreamAttempt(routingMethod, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(routingMethod, outcome).Inc()
	r.upstreamDuration.WithLabelValues(routingMethod, outcome).Observe(dur.Seconds())
}

// SetEndpointHealth exports one health probe result.
func (r *Registry) SetEndpointHealth(endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.endpointHealth.WithLabelValues(endpoint).Set(v)
}

// SetBreakerState exports the circuit breaker state for an endpoint.
func (r *Registry) SetBreakerState(endpoint string, state int) {
	r.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (r *Registry) RecordBreakerRejection(endpoint string) {
	r.cbRejections.WithLabelValues(endpoint).Inc()
}

// RecordCredentialRefresh counts one refresh with result "ok" or "error".
func (r *Registry) RecordCredentialRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.credentialRefreshes.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(routingMethod, result string) {
	r.rateLimitTotal.WithLabelValues(routingMethod, result).Inc()
}

// AddTokens records downstream token usage.
func (r *Registry) AddTokens(routingMethod string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(routingMethod, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(routingMethod, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) CatalogCacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CatalogCacheMiss() { r.cacheMisses.Inc() }

// SetAuditStats exports the audit writer's queue depth and cumulative drop
// count. The drop counter is monotonic on the audit side, so only the delta
// since the last call is added.
func (r *Registry) SetAuditStats(queueDepth int, dropped int64) {
	r.auditQueueDepth.Set(float64(queueDepth))

	r.auditMu.Lock()
	delta := dropped - r.lastAuditDropped
	r.lastAuditDropped = dropped
	r.auditMu.Unlock()

	if delta > 0 {
		r.auditDropped.Add(float64(delta))
	}
}

// SetBuildInfo exports the version label.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
