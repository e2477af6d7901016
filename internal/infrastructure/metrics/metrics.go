package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Model-Gateway Metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status", "model", "stream"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Failover chain attempts
	ChainAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "chain_attempts_total",
			Help:      "Provider attempts made by the failover executor",
		},
		[]string{"provider", "outcome"},
	)

	ChainExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "chain_exhausted_total",
			Help:      "Requests for which every chain candidate failed",
		},
		[]string{"model"},
	)

	// Provider errors by taxonomy class
	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "provider_errors_total",
			Help:      "Total provider call failures by error class",
		},
		[]string{"provider", "error_class"},
	)

	// Provider call duration
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "provider_duration_seconds",
			Help:      "Upstream provider call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	// Circuit breaker state (0=closed, 1=half_open, 2=open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per model/provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"model", "provider"},
	)

	// Cache tier counters
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier and freshness",
		},
		[]string{"tier", "freshness"},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "cache_misses_total",
			Help:      "Cache misses across all tiers",
		},
	)

	CacheRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "cache_rebuilds_total",
			Help:      "Cache rebuild executions by outcome",
		},
		[]string{"outcome"},
	)

	CacheRevalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "cache_revalidations_total",
			Help:      "Background stale-while-revalidate refreshes scheduled",
		},
	)

	// Health probes
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jan",
			Subsystem: "model_gateway",
			Name:      "health_probes_total",
			Help:      "Background health probes by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

// RecordRequest records an HTTP request with all relevant labels
func RecordRequest(method, endpoint, status, model string, stream bool, durationSec float64) {
	streamStr := "false"
	if stream {
		streamStr = "true"
	}
	RequestsTotal.WithLabelValues(method, endpoint, status, model, streamStr).Inc()
	RequestDuration.WithLabelValues(method, endpoint, status).Observe(durationSec)
}

// RecordChainAttempt records one executor attempt against a provider
func RecordChainAttempt(provider string, success bool, errorClass string, durationSec float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
		ProviderErrorsTotal.WithLabelValues(provider, errorClass).Inc()
	}
	ChainAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderDuration.WithLabelValues(provider, outcome).Observe(durationSec)
}

// RecordChainExhausted records a request that failed on every candidate
func RecordChainExhausted(model string) {
	ChainExhaustedTotal.WithLabelValues(model).Inc()
}

// SetCircuitState updates the circuit gauge on a state transition
func SetCircuitState(model, provider, state string) {
	val := 0.0
	switch state {
	case "half_open":
		val = 1.0
	case "open":
		val = 2.0
	}
	CircuitState.WithLabelValues(model, provider).Set(val)
}

// RecordCacheHit records a hit on a tier, fresh or stale
func RecordCacheHit(tier string, stale bool) {
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	CacheHitsTotal.WithLabelValues(tier, freshness).Inc()
}

// RecordCacheMiss records a miss across all tiers
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCacheRebuild records a rebuild execution
func RecordCacheRebuild(outcome string) {
	CacheRebuildsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheRevalidation records a scheduled background revalidation
func RecordCacheRevalidation() {
	CacheRevalidationsTotal.Inc()
}

// RecordProbe records a background health probe result
func RecordProbe(provider string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ProbesTotal.WithLabelValues(provider, outcome).Inc()
}
