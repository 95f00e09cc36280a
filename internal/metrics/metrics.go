// Package metrics exposes Prometheus instrumentation for the signal
// pipeline. All collectors are registered once via promauto; helpers keep
// label sets bounded to configured provider, symbol, and reason values.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Metrics holds all pipeline collectors.
type Metrics struct {
	SignalsGenerated  *prometheus.CounterVec
	CycleLatency      prometheus.Histogram
	GenerationLatency *prometheus.HistogramVec
	CycleSkips        *prometheus.CounterVec

	ConsensusCacheHits   prometheus.Counter
	ConsensusCacheMisses prometheus.Counter

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec

	OrdersSubmitted *prometheus.CounterVec
	OrderLatency    prometheus.Histogram
	RiskRejections  *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	QueueOutcomes *prometheus.CounterVec

	ChainVerifications *prometheus.CounterVec
}

var (
	global *Metrics
	once   sync.Once
)

// Get returns the process-wide metrics instance, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			SignalsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_signals_generated_total",
				Help: "Signals emitted, by symbol and action",
			}, []string{"symbol", "action"}),
			CycleLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "signalflux_cycle_duration_seconds",
				Help:    "Wall time of a full generation cycle",
				Buckets: prometheus.DefBuckets,
			}),
			GenerationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "signalflux_signal_generation_seconds",
				Help:    "Per-symbol signal generation latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			}, []string{"symbol"}),
			CycleSkips: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_cycle_skips_total",
				Help: "Per-symbol cycle skips, by reason",
			}, []string{"reason"}),
			ConsensusCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "signalflux_consensus_cache_hits_total",
				Help: "Consensus cache hits",
			}),
			ConsensusCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "signalflux_consensus_cache_misses_total",
				Help: "Consensus cache misses",
			}),
			ProviderRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_provider_requests_total",
				Help: "Provider fetches, by provider and result",
			}, []string{"provider", "result"}),
			ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "signalflux_provider_latency_seconds",
				Help:    "Provider fetch latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"provider"}),
			BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "signalflux_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			}, []string{"provider"}),
			OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_orders_submitted_total",
				Help: "Broker order submissions, by kind and result",
			}, []string{"kind", "result"}),
			OrderLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "signalflux_order_roundtrip_seconds",
				Help:    "Submit-to-terminal-status latency for main orders",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			}),
			RiskRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_risk_rejections_total",
				Help: "Risk gate rejections, by layer",
			}, []string{"layer"}),
			QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "signalflux_queue_depth",
				Help: "Signal queue depth, by status",
			}, []string{"status"}),
			QueueOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_queue_outcomes_total",
				Help: "Terminal queue entry outcomes",
			}, []string{"outcome"}),
			ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signalflux_chain_verifications_total",
				Help: "Hash chain verification runs, by result",
			}, []string{"result"}),
		}
	})
	return global
}

// ObserveProviderFetch records one provider fetch outcome.
func (m *Metrics) ObserveProviderFetch(provider string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ProviderRequests.WithLabelValues(provider, result).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// SetBreakerState mirrors a gobreaker state into the gauge.
func (m *Metrics) SetBreakerState(provider string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}
