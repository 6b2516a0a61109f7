package task

import "github.com/prometheus/client_golang/prometheus"

var (
	pollResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_task_poll_results_total",
			Help: "Total task poll outcomes, by result.",
		},
		[]string{"result"},
	)

	stallWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_task_stall_warnings_total",
			Help: "Total stall warnings logged for polls exceeding the stall timeout.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_task_queue_depth",
			Help: "Number of tasks waiting in the worker queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(pollResultsTotal)
	prometheus.MustRegister(stallWarningsTotal)
	prometheus.MustRegister(queueDepth)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, r := range []Result{ResultPending, ResultDone, ResultTryAgain, ResultCancelled, ResultErr} {
		pollResultsTotal.WithLabelValues(r.String())
	}
}
