// Package telemetry exposes Prometheus metrics for the dispatch and
// accounting pipeline.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Check-in pipeline metrics
	CheckInsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dragnet_checkins_total",
			Help: "Total number of client check-ins processed",
		},
	)

	CheckInDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dragnet_checkin_duration_seconds",
			Help:    "Duration of a single client check-in evaluation",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	RuleEvaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dragnet_rule_evaluations_total",
			Help: "Total number of rule groups evaluated against clients",
		},
	)

	ActiveRuleGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dragnet_active_rule_groups",
			Help: "Number of rule groups currently published to the foreman",
		},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dragnet_dispatches_total",
			Help: "Total number of task dispatches by hunt",
		},
		[]string{"hunt_id"},
	)

	// Outcome accounting metrics
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dragnet_outcomes_total",
			Help: "Total number of terminal client outcomes by kind",
		},
		[]string{"kind"}, // success, badness, error
	)

	// Approval gate metrics
	ApprovalChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dragnet_approval_checks_total",
			Help: "Total number of approval gate checks by result",
		},
		[]string{"result"}, // granted, supervisor, denied
	)
)

// RecordCheckIn records one processed check-in and its duration.
func RecordCheckIn(start time.Time) {
	CheckInsTotal.Inc()
	CheckInDurationSeconds.Observe(time.Since(start).Seconds())
}

// RecordDispatch records a successful task dispatch.
func RecordDispatch(huntID string) {
	DispatchesTotal.WithLabelValues(huntID).Inc()
}

// RecordOutcome records a terminal client outcome.
func RecordOutcome(kind string) {
	OutcomesTotal.WithLabelValues(kind).Inc()
}

// RecordApprovalCheck records an approval gate decision.
func RecordApprovalCheck(result string) {
	ApprovalChecksTotal.WithLabelValues(result).Inc()
}
