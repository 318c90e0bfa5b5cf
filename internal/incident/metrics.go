package incident

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts incident status transitions by edge
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_incident_transitions_total",
			Help: "Total number of incident status transitions",
		},
		[]string{"from", "to"},
	)
)

// RecordTransition records one incident status transition
func RecordTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}
