package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_backend_steps_total",
			Help: "Total number of execution steps finished by each backend.",
		},
		[]string{"backend", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_backend_step_seconds",
			Help:    "Duration of individual execution steps, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	activeRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestra_backend_active_runs",
			Help: "Number of executions currently running inside each backend.",
		},
		[]string{"backend"},
	)

	runtimeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_backend_runtime_calls_total",
			Help: "Total number of work units sent to remote runtimes.",
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(runtimeCalls)
}
