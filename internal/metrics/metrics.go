package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage-level metrics. HTTP-level metrics come from the gin prometheus
// middleware; these cover the dual-storage core itself.
var (
	SavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planning_saves_total",
		Help: "Orchestrated save operations by consistency outcome.",
	}, []string{"consistency"})

	BackendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planning_backend_failures_total",
		Help: "Backend operation failures by backend name.",
	}, []string{"backend"})

	CircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planning_storage_circuit_open",
		Help: "Whether the circuit breaker is open for a backend (1 = open).",
	}, []string{"backend"})

	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planning_retry_queue_depth",
		Help: "Number of failed save requests waiting for retry.",
	})

	SelfHealTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planning_self_heal_writes_total",
		Help: "Background re-writes triggered by read fallback.",
	})
)
