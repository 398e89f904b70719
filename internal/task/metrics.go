package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeUnsafe    = "unsafe"
	outcomeDropped   = "dropped"
)

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_dispatch_total",
			Help: "Total number of dispatched task calls by outcome.",
		},
		[]string{"class", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strand_dispatch_duration_seconds",
			Help:    "Task body execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(dispatchDuration)
}
