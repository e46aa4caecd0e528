package service

import "github.com/prometheus/client_golang/prometheus"

var (
	completionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitlevel",
		Subsystem: "ledger",
		Name:      "completions_total",
		Help:      "Number of completion increments and decrements applied, labeled by direction and habit type.",
	}, []string{"direction", "habit_type"})

	levelUpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habitlevel",
		Subsystem: "ledger",
		Name:      "level_ups_total",
		Help:      "Number of completions that moved a user to a higher level.",
	})
)

func init() {
	prometheus.MustRegister(completionsTotal, levelUpsTotal)
}
