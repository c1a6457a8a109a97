// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the gateway records into.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	AttemptsTotal    *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	LoopsDetected    *prometheus.CounterVec
	JSONRepairsTotal *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	SessionsActive   prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "requests_total",
			Help:      "Completed client requests by surface and outcome.",
		}, []string{"surface", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"surface"}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by backend and result.",
		}, []string{"backend", "result"}),
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "rate_limited_total",
			Help:      "Attempts skipped by the local rate limiter.",
		}, []string{"backend"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "tokens_total",
			Help:      "Token usage by backend, model and kind.",
		}, []string{"backend", "model", "kind"}),
		LoopsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "loops_detected_total",
			Help:      "Responses aborted or flagged by loop detection.",
		}, []string{"kind"}),
		JSONRepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "json_repairs_total",
			Help:      "Tool argument payloads repaired or coerced.",
		}, []string{"result"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelgate",
			Name:      "active_streams",
			Help:      "Streams currently being relayed to clients.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelgate",
			Name:      "sessions_active",
			Help:      "Sessions currently tracked in the store.",
		}),
	}
}
