package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics holds Prometheus metrics for the subscription store.
type StoreMetrics struct {
	Operations         *prometheus.CounterVec
	CircuitState       prometheus.Gauge
	CircuitTransitions *prometheus.CounterVec
	Retries            *prometheus.CounterVec
}

// NewStoreMetrics creates and registers store metrics on the given registry.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Subscription store calls, by operation and result.",
		}, []string{"operation", "result"}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "circuit_state",
			Help:      "Store circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "circuit_transitions_total",
			Help:      "Store circuit breaker state changes, by new state.",
		}, []string{"state"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Retried store calls, by operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(m.Operations, m.CircuitState, m.CircuitTransitions, m.Retries)
	return m
}
