package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_scheduler_ticks_total",
			Help: "Total number of scheduler polling ticks",
		},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_evaluations_total",
			Help: "Total number of (rule, tenant, window) evaluations",
		},
		[]string{"result"}, // match, no_match, error
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_generated_total",
			Help: "Total number of alerts written",
		},
		[]string{"severity"},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by throttling",
		},
	)

	WindowsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_windows_deferred_total",
			Help: "Total number of backlog windows deferred past the catch-up cap",
		},
	)

	LeaseConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_lease_conflicts_total",
			Help: "Total number of window leases lost to another scheduler instance",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_active_workers",
			Help: "Number of in-flight window evaluation workers",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_window_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one (rule, tenant, window) unit",
			Buckets: prometheus.DefBuckets,
		},
	)
)
