package orchestration

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_executions_total",
			Help: "Total number of backend executions by outcome.",
		},
		[]string{"backend", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_execution_duration_seconds",
			Help:    "Wall-clock duration of backend executions, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestra_executions_in_flight",
			Help: "Number of executions currently dispatched to each backend.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(inFlight)
}
