package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics holds Prometheus metrics for pool actors.
type PoolMetrics struct {
	ActivePools        prometheus.Gauge
	Evictions          *prometheus.CounterVec
	SlowClientsEvicted prometheus.Counter
	RejectedBatches    prometheus.Counter
	CommandDepth       *prometheus.GaugeVec
	Panics             prometheus.Counter
	StopTimeouts       prometheus.Counter
	OrphanPoolsSwept   prometheus.Counter
}

// NewPoolMetrics creates and registers pool metrics on the given registry.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		ActivePools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active",
			Help:      "Number of pool actors running on this instance.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Lazy evictions of connections without a live socket, by trigger.",
		}, []string{"trigger"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "slow_clients_evicted_total",
			Help:      "Connections closed because their send queue was full.",
		}),
		RejectedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "rejected_batches_total",
			Help:      "Malformed delivery batches rejected without side effects.",
		}),
		CommandDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "command_channel_depth",
			Help:      "Pending commands in a pool actor's channel.",
		}, []string{"pool"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "panics_total",
			Help:      "Pool actor panics recovered.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "stop_timeouts_total",
			Help:      "Pool actors that did not stop within the stop timeout.",
		}),
		OrphanPoolsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "orphans_swept_total",
			Help:      "Pools whose rows were deleted because no instance hosts them anymore.",
		}),
	}

	reg.MustRegister(m.ActivePools, m.Evictions, m.SlowClientsEvicted, m.RejectedBatches, m.CommandDepth, m.Panics, m.StopTimeouts, m.OrphanPoolsSwept)
	return m
}
