// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the triage workflow.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TriageMetrics holds all Prometheus metrics for the workflow engine and the
// batch scheduler.
type TriageMetrics struct {
	// Workflow metrics
	InstancesStartedTotal *prometheus.CounterVec
	InstancesEndedTotal   *prometheus.CounterVec
	StepsTotal            *prometheus.CounterVec
	StepSeconds           *prometheus.HistogramVec
	SuspendedInstances    prometheus.Gauge

	// Checkpoint metrics
	CheckpointWritesTotal  *prometheus.CounterVec
	CheckpointRetriesTotal prometheus.Counter

	// Decision metrics
	DecisionsTotal *prometheus.CounterVec

	// Batch metrics
	BatchCyclesTotal     prometheus.Counter
	BatchOwnersTotal     *prometheus.CounterVec
	BatchDeliveriesTotal *prometheus.CounterVec
	BatchCycleSeconds    prometheus.Histogram
}

// DefaultTriageMetrics creates metrics on the default registerer.
func DefaultTriageMetrics() *TriageMetrics {
	return NewTriageMetrics(prometheus.DefaultRegisterer)
}

// NewTriageMetrics creates a new set of triage metrics.
func NewTriageMetrics(reg prometheus.Registerer) *TriageMetrics {
	factory := promauto.With(reg)

	return &TriageMetrics{
		InstancesStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_instances_started_total",
				Help: "Total workflow instances started",
			},
			[]string{"owner_id"},
		),
		InstancesEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_instances_ended_total",
				Help: "Total workflow instances reaching a terminal status",
			},
			[]string{"status"},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_steps_total",
				Help: "Total workflow steps executed",
			},
			[]string{"step", "status"},
		),
		StepSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_step_seconds",
				Help:    "Workflow step execution time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"step"},
		),
		SuspendedInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "triage_suspended_instances",
				Help: "Instances currently suspended awaiting a decision",
			},
		),
		CheckpointWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_checkpoint_writes_total",
				Help: "Total checkpoint writes",
			},
			[]string{"status"},
		),
		CheckpointRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "triage_checkpoint_retries_total",
				Help: "Total checkpoint write retries",
			},
		),
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_decisions_total",
				Help: "Total decision callbacks handled",
			},
			[]string{"action", "outcome"},
		),
		BatchCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "triage_batch_cycles_total",
				Help: "Total batch delivery cycles run",
			},
		),
		BatchOwnersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_batch_owners_total",
				Help: "Owners handled per batch cycle outcome",
			},
			[]string{"outcome"},
		),
		BatchDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_batch_deliveries_total",
				Help: "Individual batched deliveries by status",
			},
			[]string{"status"},
		),
		BatchCycleSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "triage_batch_cycle_seconds",
				Help:    "Batch cycle duration",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
	}
}
