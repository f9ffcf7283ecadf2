package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchCommitDuration measures the per-sku-group transaction commit time.
// The P95 latency budget only holds if these stay under ~10ms, so the
// buckets are concentrated at the low end.
var BatchCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "reservation_batch_commit_seconds",
	Help:    "Duration of the per-sku batch transaction in seconds",
	Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
})

// BatchSize observes how full each pulled batch is relative to B.
var BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "reservation_batch_size",
	Help:    "Number of messages drained per batch",
	Buckets: []float64{1, 10, 25, 50, 100, 150, 200, 250},
})

// Outcomes counts processed messages by result code.
var Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reservation_outcomes_total",
	Help: "Reservation outcomes by code",
}, []string{"code"})

// PollAttempts observes how many iterations the poller needed before an
// outcome appeared (or the budget ran out).
var PollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "reservation_poll_attempts",
	Help:    "Poller iterations until an outcome was found",
	Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
})

// SweptHolds counts reservations released by the expiry sweeper.
var SweptHolds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "reservation_swept_holds_total",
	Help: "Expired holds routed back through the single writer",
})
