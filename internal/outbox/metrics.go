package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks dispatcher progress.
type Metrics struct {
	Attempts    *prometheus.CounterVec
	DeadLetters prometheus.Counter
	Claimed     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patientsync_outbox_attempts_total",
			Help: "Outbox delivery attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "patientsync_outbox_dead_letters_total",
			Help: "Outbox entries parked after a permanent failure or too many attempts",
		}),
		Claimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "patientsync_outbox_claimed_total",
			Help: "Outbox entries claimed for dispatch",
		}),
	}
}

func (m *Metrics) attempt(stage Stage, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(string(stage), outcome).Inc()
}

func (m *Metrics) dead() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

func (m *Metrics) claimed(n int) {
	if m == nil {
		return
	}
	m.Claimed.Add(float64(n))
}
