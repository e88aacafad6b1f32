// Package observability holds the Prometheus metrics for streaming and
// fan-out. Metrics are exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

// StreamingMetrics covers generations and the websocket fan-out.
type StreamingMetrics struct {
	// ActiveGenerations tracks generations currently streaming.
	ActiveGenerations prometheus.Gauge

	// GenerationsTotal counts finished generations.
	// Labels: backend, outcome (success, error, aborted)
	GenerationsTotal *prometheus.CounterVec

	// FragmentsTotal counts fragments received from providers.
	// Labels: backend
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures provider latency to the first fragment.
	// Labels: backend
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// GenerationDurationSeconds measures a full generation.
	// Labels: backend, outcome
	GenerationDurationSeconds *prometheus.HistogramVec

	// ConnectedClients tracks live websocket clients.
	ConnectedClients prometheus.Gauge

	// DroppedEventsTotal counts events dropped on full client queues.
	DroppedEventsTotal prometheus.Counter

	// TitlesTotal counts title derivations.
	// Labels: outcome (success, error)
	TitlesTotal *prometheus.CounterVec
}

// DefaultMetrics is set by InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics registers every metric with the default registry. Calling it
// twice panics on duplicate registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewStreamingMetrics registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		ActiveGenerations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "generation",
			Name:      "active",
			Help:      "Number of generations currently streaming",
		}),
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "generation",
			Name:      "total",
			Help:      "Finished generations by backend and outcome",
		}, []string{"backend", "outcome"}),
		FragmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "generation",
			Name:      "fragments_total",
			Help:      "Fragments received from providers",
		}, []string{"backend"}),
		TimeToFirstFragmentSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "generation",
			Name:      "time_to_first_fragment_seconds",
			Help:      "Latency from provider call to first fragment",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"backend"}),
		GenerationDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Total generation duration",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"backend", "outcome"}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Live websocket clients",
		}),
		DroppedEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a client queue was full",
		}),
		TitlesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "title",
			Name:      "total",
			Help:      "Title derivations by outcome",
		}, []string{"outcome"}),
	}
}
