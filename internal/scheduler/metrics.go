package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitlevel",
		Subsystem: "reset",
		Name:      "sweeps_total",
		Help:      "Number of reset sweeps, labeled by result.",
	}, []string{"result"})

	usersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitlevel",
		Subsystem: "reset",
		Name:      "users_total",
		Help:      "Users visited by the reset scheduler, labeled by outcome (reset, skipped, failed).",
	}, []string{"outcome"})

	habitFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitlevel",
		Subsystem: "reset",
		Name:      "habit_failures_total",
		Help:      "Habits whose daily rollover failed and was skipped.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "habitlevel",
		Subsystem: "reset",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full reset sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(sweepsTotal, usersTotal, habitFailuresTotal, sweepDuration)
}
