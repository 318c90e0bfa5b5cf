package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsStartedTotal counts workflow starts
	WorkflowsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_workflows_started_total",
			Help: "Total number of workflows started",
		},
	)

	// WorkflowsEndedTotal counts workflow terminations by outcome
	WorkflowsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_workflows_ended_total",
			Help: "Total number of workflows reaching a terminal status",
		},
		[]string{"status"},
	)

	// WorkflowDuration tracks end-to-end workflow duration
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_workflow_duration_seconds",
			Help:    "End-to-end workflow duration",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"status"},
	)

	// ActiveWorkflowsGauge tracks currently running workflows
	ActiveWorkflowsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_workflows_active",
			Help: "Number of currently active workflows",
		},
	)

	// StepDispatchesTotal counts step dispatches by agent
	StepDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_step_dispatches_total",
			Help: "Total number of step dispatches to agents",
		},
		[]string{"agent"},
	)

	// StepRetriesTotal counts failed steps that were retried
	StepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_step_retries_total",
			Help: "Total number of step retries after failure",
		},
		[]string{"agent"},
	)

	// RecoveryTimeoutsTotal counts steps timed out by the recovery pass
	RecoveryTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_recovery_step_timeouts_total",
			Help: "Total number of steps timed out by the recovery pass",
		},
		[]string{"agent"},
	)
)

// RecordWorkflowStart records one workflow start
func RecordWorkflowStart() {
	WorkflowsStartedTotal.Inc()
	ActiveWorkflowsGauge.Inc()
}

// RecordWorkflowEnd records one workflow termination
func RecordWorkflowEnd(status string, durationSeconds float64) {
	ActiveWorkflowsGauge.Dec()
	WorkflowsEndedTotal.WithLabelValues(status).Inc()
	WorkflowDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStepDispatch records one step dispatch
func RecordStepDispatch(agent string) {
	StepDispatchesTotal.WithLabelValues(agent).Inc()
}

// RecordStepRetry records one step retry
func RecordStepRetry(agent string) {
	StepRetriesTotal.WithLabelValues(agent).Inc()
}

// RecordRecoveryTimeout records one step timed out during recovery
func RecordRecoveryTimeout(agent string) {
	RecoveryTimeoutsTotal.WithLabelValues(agent).Inc()
}
