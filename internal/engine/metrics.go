package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for monitor tick interpretations.
const (
	tickResultAlive     = "alive"
	tickResultDone      = "done"
	tickResultFailed    = "failed"
	tickResultTransient = "transient"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_jobs_submitted_total",
			Help: "Total number of jobs accepted by the engine.",
		},
		[]string{"backend"},
	)

	submitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_submit_failures_total",
			Help: "Total number of submission phases that produced no monitorable job.",
		},
		[]string{"backend", "stage"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"backend", "state"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_jobs_active",
			Help: "Number of jobs currently in the running state.",
		},
	)

	monitorTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_monitor_ticks_total",
			Help: "Total number of monitor command invocations, by interpretation.",
		},
		[]string{"backend", "result"},
	)

	pollFailureCeilings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_monitor_unreliable_total",
			Help: "Total number of jobs failed because consecutive monitor failures reached the ceiling.",
		},
		[]string{"backend"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_job_duration_seconds",
			Help:    "Wall-clock duration from running to terminal state, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmitted)
	prometheus.MustRegister(submitFailures)
	prometheus.MustRegister(jobsFinished)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(monitorTicks)
	prometheus.MustRegister(pollFailureCeilings)
	prometheus.MustRegister(jobDuration)
}
