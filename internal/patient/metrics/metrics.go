package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for patient lifecycle operations.
type Metrics struct {
	// Operation outcomes: success, rejected (validation/conflict/not found), partial, error
	Outcomes *prometheus.CounterVec

	// Post-persist failures by stage (billing, event)
	PartialFailures *prometheus.CounterVec

	// Compensating deletes after billing failure
	Compensations prometheus.Counter

	OperationLatency *prometheus.HistogramVec
}

// New registers the patient metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patientsync_patient_operations_total",
			Help: "Patient operations by operation and outcome",
		}, []string{"operation", "outcome"}),

		PartialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patientsync_patient_partial_failures_total",
			Help: "Creates that persisted the patient but failed a downstream step",
		}, []string{"stage"}),

		Compensations: factory.NewCounter(prometheus.CounterOpts{
			Name: "patientsync_patient_compensations_total",
			Help: "Patients deleted again after billing provisioning failed",
		}),

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientsync_patient_operation_duration_seconds",
			Help:    "Duration of patient operations including downstream calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementOutcome(operation, outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) IncrementPartialFailure(stage string) {
	if m != nil {
		m.PartialFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) IncrementCompensation() {
	if m != nil {
		m.Compensations.Inc()
	}
}

func (m *Metrics) ObserveLatency(operation string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}
