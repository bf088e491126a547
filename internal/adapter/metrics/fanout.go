package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics holds Prometheus metrics for the publish fan-out path.
type FanoutMetrics struct {
	Publishes         *prometheus.CounterVec
	Matched           prometheus.Counter
	Filtered          prometheus.Counter
	ExecutionFailures prometheus.Counter
	Deliveries        *prometheus.CounterVec
	Duration          prometheus.Histogram
}

// NewFanoutMetrics creates and registers fan-out metrics on the given registry.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "publishes_total",
			Help:      "Publish calls, by outcome (ok, partial, failed).",
		}, []string{"outcome"}),
		Matched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "matched_subscriptions_total",
			Help:      "Subscriptions whose filter matched a published payload.",
		}),
		Filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "filtered_subscriptions_total",
			Help:      "Subscriptions on a published topic whose filter did not match.",
		}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "execution_failures_total",
			Help:      "Per-subscription resolutions that failed and were skipped.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "pool_deliveries_total",
			Help:      "Batched pool delivery requests, by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "publish_duration_seconds",
			Help:      "Time from query to the last pool delivery of one publish.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	reg.MustRegister(m.Publishes, m.Matched, m.Filtered, m.ExecutionFailures, m.Deliveries, m.Duration)
	return m
}
