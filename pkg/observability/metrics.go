// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the composer control plane.
package observability

import "github.com/prometheus/client_golang/prometheus"

// InvocationBuckets covers sandbox stages from a quick exec to a long pip
// install, 50ms to 5m.
var InvocationBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by method, status class and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "composer_request_duration_seconds",
			Help:    "Request duration",
			Buckets: InvocationBuckets,
		},
		[]string{"method", "route"},
	)

	// InvocationsInFlight tracks pipeline invocations currently executing.
	InvocationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "composer_invocations_in_flight",
			Help: "Pipeline invocations in flight",
		},
	)

	// InvocationsTotal counts finished invocations by outcome: "ok",
	// "exit_nonzero" or the stage that failed.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_invocations_total",
			Help: "Pipeline invocations",
		},
		[]string{"outcome"},
	)

	// StageDuration records the duration of each invocation stage.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "composer_stage_duration_seconds",
			Help:    "Invocation stage duration",
			Buckets: InvocationBuckets,
		},
		[]string{"stage"},
	)

	// SandboxEnsureTotal counts runtime resolutions by result: "created",
	// "existing" or "error".
	SandboxEnsureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_sandbox_ensure_total",
			Help: "Sandbox runtime resolutions",
		},
		[]string{"result"},
	)

	// CallbacksTotal counts sandbox callbacks by endpoint and status code.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_callbacks_total",
			Help: "Sandbox callbacks",
		},
		[]string{"endpoint", "status"},
	)

	// ModelCallsTotal counts proxied model API calls by upstream status.
	ModelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_model_calls_total",
			Help: "Proxied model API calls",
		},
		[]string{"status"},
	)

	// ModelCallLatency records proxied model API latency in seconds.
	ModelCallLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "composer_model_call_latency_seconds",
			Help:    "Model API latency",
			Buckets: InvocationBuckets,
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "composer_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InvocationsInFlight,
		InvocationsTotal,
		StageDuration,
		SandboxEnsureTotal,
		CallbacksTotal,
		ModelCallsTotal,
		ModelCallLatency,
		RateLimitRejectedTotal,
	)
}
