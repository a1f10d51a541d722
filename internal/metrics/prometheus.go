// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
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

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_retries_exhausted_total{provider}
	retriesExhausted *prometheus.CounterVec

	// gateway_credentials{provider,state} — state: enabled|disabled
	credentials *prometheus.GaugeVec

	// gateway_egress_proxies{state} — state: enabled|disabled
	egressProxies *prometheus.GaugeVec

	// gateway_prober_checks_total{kind,result} — kind: credential|proxy
	proberChecks *prometheus.CounterVec

	// gateway_config_version
	configVersion prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all metrics registered.
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
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes credential/egress retries)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		retriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_exhausted_total",
				Help: "Requests that failed after exhausting every retry",
			},
			[]string{"provider"},
		),

		credentials: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_credentials",
				Help: "Credential pool sizes by state",
			},
			[]string{"provider", "state"},
		),

		egressProxies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_egress_proxies",
				Help: "Egress proxy pool sizes by state",
			},
			[]string{"state"},
		),

		proberChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_prober_checks_total",
				Help: "Health prober probe results",
			},
			[]string{"kind", "result"},
		),

		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_config_version",
			Help: "Version of the active configuration snapshot",
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
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retriesExhausted,
		r.credentials,
		r.egressProxies,
		r.proberChecks,
		r.configVersion,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Handler returns the fasthttp handler for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// IncInFlight / DecInFlight track the in-flight request gauge.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one completed inbound request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt and its outcome label.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordRetriesExhausted counts a request that burned its whole retry budget.
func (r *Registry) RecordRetriesExhausted(provider string) {
	r.retriesExhausted.WithLabelValues(provider).Inc()
}

// SetCredentialCounts publishes a credential pool's enabled/disabled sizes.
func (r *Registry) SetCredentialCounts(provider string, enabled, disabled int) {
	r.credentials.WithLabelValues(provider, "enabled").Set(float64(enabled))
	r.credentials.WithLabelValues(provider, "disabled").Set(float64(disabled))
}

// SetEgressCounts publishes the egress pool's enabled/disabled sizes.
func (r *Registry) SetEgressCounts(enabled, disabled int) {
	r.egressProxies.WithLabelValues("enabled").Set(float64(enabled))
	r.egressProxies.WithLabelValues("disabled").Set(float64(disabled))
}

// RecordProberCheck counts one prober probe result.
// kind is "credential" or "proxy"; result is "ok" or "fail".
func (r *Registry) RecordProberCheck(kind, result string) {
	r.proberChecks.WithLabelValues(kind, result).Inc()
}

// SetConfigVersion publishes the active snapshot version.
func (r *Registry) SetConfigVersion(v int64) {
	r.configVersion.Set(float64(v))
}

// SetBuildInfo publishes the build version label.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}
