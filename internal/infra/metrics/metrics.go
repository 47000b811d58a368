package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "points"
	subsystem = "ledger"
)

// Operations counts ledger operations by name and result kind.
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystem,
	Name:      "operations_total",
	Help:      "Total ledger operations by operation and result kind.",
}, []string{"operation", "result"})

// OperationDuration tracks end-to-end operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: subsystem,
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// PointsMoved sums committed points by origin type.
var PointsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystem,
	Name:      "points_moved_total",
	Help:      "Total points written to the ledger by origin type.",
}, []string{"origin_type"})

// IdempotentReplays counts requests answered from a stored idempotency key.
var IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystem,
	Name:      "idempotent_replays_total",
	Help:      "Total mutations answered from an earlier request with the same idempotency key.",
}, []string{"operation"})

// Observe records one finished operation. result is an error kind.
func Observe(operation, result string, started time.Time) {
	Operations.WithLabelValues(operation, result).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
