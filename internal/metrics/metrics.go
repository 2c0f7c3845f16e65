// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquisitions counts acquire attempts by outcome (acquired, refreshed, conflict, error).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avc_lock_acquisitions_total",
		Help: "Lock acquisition attempts by outcome",
	}, []string{"outcome"})

	LockOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avc_lock_overrides_total",
		Help: "Locks force-released by an administrator",
	})

	// LocksSwept counts rows removed by the sweeper by reason (expired, orphaned).
	LocksSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avc_locks_swept_total",
		Help: "Lock rows removed by the sweeper",
	}, []string{"reason"})

	// Promotions counts promote attempts by outcome (promoted, conflict, error).
	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avc_promotions_total",
		Help: "Draft promotions by outcome",
	}, []string{"outcome"})

	ConflictFields = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avc_conflict_fields",
		Help:    "Number of conflicting fields per detected conflict",
		Buckets: []float64{1, 2, 5, 10, 25, 50},
	})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avc_operation_duration_seconds",
		Help:    "Engine operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})
)

// Observe records the latency of op since start. Use with defer.
func Observe(op string, start time.Time) {
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
