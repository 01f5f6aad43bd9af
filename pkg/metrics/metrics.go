package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Content store metrics
	ContentInserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_content_inserts_total",
			Help: "Total number of content-addressed rows inserted, by entity",
		},
		[]string{"entity"},
	)

	// Record metrics
	RecordsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_records_inserted_total",
			Help: "Total number of records created, by record type",
		},
		[]string{"record_type"},
	)

	RecordTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_record_transitions_total",
			Help: "Total number of record status transitions, by target status",
		},
		[]string{"to"},
	)

	// Task queue metrics
	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fractal_tasks_claimed_total",
			Help: "Total number of tasks claimed by managers",
		},
	)

	TasksReturned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_tasks_returned_total",
			Help: "Total number of task results returned, by outcome",
		},
		[]string{"outcome"},
	)

	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fractal_task_queue_depth",
			Help: "Number of tasks currently available for claim",
		},
	)

	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fractal_claim_duration_seconds",
			Help:    "Time taken by one claim call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Manager metrics
	ManagersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fractal_managers_active",
			Help: "Number of currently active compute managers",
		},
	)

	ManagersDeactivated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_managers_deactivated_total",
			Help: "Total number of manager deactivations, by reason",
		},
		[]string{"reason"},
	)

	// Service engine metrics
	ServiceIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_service_iterations_total",
			Help: "Total number of service iterations, by service type and outcome",
		},
		[]string{"service_type", "outcome"},
	)

	ServiceIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fractal_service_iteration_duration_seconds",
			Help:    "Time taken by one service iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Internal job metrics
	InternalJobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fractal_internal_job_runs_total",
			Help: "Total number of internal job runs, by job name and status",
		},
		[]string{"name", "status"},
	)
)

func init() {
	prometheus.MustRegister(ContentInserts)
	prometheus.MustRegister(RecordsInserted)
	prometheus.MustRegister(RecordTransitions)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksReturned)
	prometheus.MustRegister(TaskQueueDepth)
	prometheus.MustRegister(ClaimDuration)
	prometheus.MustRegister(ManagersActive)
	prometheus.MustRegister(ManagersDeactivated)
	prometheus.MustRegister(ServiceIterations)
	prometheus.MustRegister(ServiceIterationDuration)
	prometheus.MustRegister(InternalJobRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
