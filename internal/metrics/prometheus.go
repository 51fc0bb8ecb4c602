package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/angeloszaimis/voicectl/internal/cache"
)

// Prometheus holds the exported series. A nil *Prometheus ignores events.
type Prometheus struct {
	registry        *prometheus.Registry
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	fallbacksTotal  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	connectionState *prometheus.GaugeVec
}

var connectionStates = []string{
	"disconnected", "connecting", "connected", "error",
	"rate_limited", "refreshing_token", "shutting_down",
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicectl_calls_total",
				Help: "API calls by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicectl_call_duration_seconds",
				Help:    "Latency of API calls that reached the network",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicectl_cache_fallbacks_total",
				Help: "Cached payloads served in place of a live call",
			},
			[]string{"resource"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicectl_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"resource"},
		),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicectl_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterCache exposes the cache counters as counter functions.
func (p *Prometheus) RegisterCache(stats func() cache.Stats) {
	factory := promauto.With(p.registry)
	counter := func(name, help string, pick func(cache.Stats) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}

	counter("voicectl_cache_hits_total", "Cache reads served fresh", func(s cache.Stats) uint64 { return s.Hits })
	counter("voicectl_cache_misses_total", "Cache reads that missed", func(s cache.Stats) uint64 { return s.Misses })
	counter("voicectl_cache_writes_total", "Cache writes", func(s cache.Stats) uint64 { return s.Writes })
	counter("voicectl_cache_invalidations_total", "Cache invalidations", func(s cache.Stats) uint64 { return s.Invalidations })
	counter("voicectl_cache_corrupt_total", "Corrupt disk records discarded", func(s cache.Stats) uint64 { return s.Corrupt })
}

func (p *Prometheus) Observe(event MetricEvent) {
	if p == nil {
		return
	}

	switch event.Type {
	case EventCallCompleted:
		p.callsTotal.WithLabelValues(event.Resource, event.Outcome).Inc()
		if event.Duration > 0 {
			p.callDuration.WithLabelValues(event.Resource).Observe(event.Duration.Seconds())
		}

	case EventCacheFallback:
		p.fallbacksTotal.WithLabelValues(event.Resource).Inc()

	case EventBreakerChanged:
		p.breakerState.WithLabelValues(event.Resource).Set(breakerValue(event.To))

	case EventStateChanged:
		for _, s := range connectionStates {
			value := 0.0
			if s == event.To {
				value = 1
			}
			p.connectionState.WithLabelValues(s).Set(value)
		}
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF-OPEN":
		return 2
	default:
		return 0
	}
}

// WriteTextfile writes every series in the node exporter textfile format.
func (p *Prometheus) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
