package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	settledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_jobs_settled_total",
			Help: "Executions that reached a terminal status.",
		},
		[]string{"backend", "status"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_job_retries_total",
			Help: "Retry executions created.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(settledTotal, retriesTotal)
}
