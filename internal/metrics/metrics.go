// Package metrics registers the Prometheus collectors named in spec.md §6,
// exported at /metrics via promhttp.HandlerFor(Registry) in internal/httpapi. Grounded
// on the teacher's cmd/server/main.go prometheusMiddleware and its
// httpDuration/httpRequests vectors, generalized to every collector §6
// names and registered against a dedicated registry rather than the global
// default one, so tests can construct independent instances.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the pipeline exposes.
type Metrics struct {
	Registry *prometheus.Registry

	RequestDuration   *prometheus.HistogramVec
	LLMRequestsTotal  *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	BackpressureTotal prometheus.Counter
	CircuitState      *prometheus.GaugeVec
}

// New constructs and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_duration_seconds",
			Help: "HTTP request latencies in seconds",
		}, []string{"method", "path"}),
		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "LLM calls by outcome",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current depth of the in-process analysis queue",
		}),
		BackpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backpressure_events_total",
			Help: "Count of persisted conversations not enqueued because the queue was full",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "1 for the breaker's current state, labeled by state name",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RequestDuration,
		m.LLMRequestsTotal,
		m.QueueDepth,
		m.BackpressureTotal,
		m.CircuitState,
	)
	return m
}

// SetCircuitState zeroes every other state's gauge and sets the current one
// to 1, so circuit_state{state="..."} always reads as a one-hot indicator.
func (m *Metrics) SetCircuitState(state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		if s == state {
			m.CircuitState.WithLabelValues(s).Set(1)
		} else {
			m.CircuitState.WithLabelValues(s).Set(0)
		}
	}
}
