package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsProposedTotal counts proposed actions by type
	ActionsProposedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_remediation_proposed_total",
			Help: "Total number of remediation actions proposed",
		},
		[]string{"action_type"},
	)

	// ExecutionsTotal counts action executions by type and outcome
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_remediation_executions_total",
			Help: "Total number of remediation action executions",
		},
		[]string{"action_type", "outcome"},
	)

	// ExecutionDuration tracks action execution latency
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_remediation_execution_duration_seconds",
			Help:    "Time taken to execute remediation actions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"action_type"},
	)

	// RollbacksTotal counts rollback attempts by type and outcome
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_remediation_rollbacks_total",
			Help: "Total number of remediation rollback attempts",
		},
		[]string{"action_type", "outcome"},
	)
)

// RecordProposed records one proposed action
func RecordProposed(actionType string) {
	ActionsProposedTotal.WithLabelValues(actionType).Inc()
}

// RecordExecution records one action execution
func RecordExecution(actionType string, success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	ExecutionsTotal.WithLabelValues(actionType, outcome).Inc()
	ExecutionDuration.WithLabelValues(actionType).Observe(durationSeconds)
}

// RecordRollback records one rollback attempt
func RecordRollback(actionType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	RollbacksTotal.WithLabelValues(actionType, outcome).Inc()
}
