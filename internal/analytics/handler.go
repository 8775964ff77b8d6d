// Package analytics is the downstream consumer of the patient event stream.
// It only decodes and records events; it owns no state.
package analytics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"patientsync/internal/patient/events"
	"patientsync/internal/platform/kafka/consumer"
)

// Metrics counts consumed events by outcome.
type Metrics struct {
	Events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "patientsync_analytics_events_total",
			Help: "Patient events consumed by type and outcome",
		}, []string{"event_type", "outcome"}),
	}
}

func (m *Metrics) increment(eventType, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType, outcome).Inc()
}

// Handler logs each patient event it receives.
type Handler struct {
	logger  *slog.Logger
	metrics *Metrics
}

func NewHandler(logger *slog.Logger, metrics *Metrics) *Handler {
	return &Handler{logger: logger, metrics: metrics}
}

// Handle decodes msg. Undecodable payloads are logged and skipped so they are
// committed with the rest of the batch.
func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	ev, err := events.Decode(msg.Value)
	if err != nil {
		h.logger.WarnContext(ctx, "skipping undecodable patient event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		h.metrics.increment("unknown", "skipped")
		return nil
	}

	h.logger.InfoContext(ctx, "received patient event",
		"event_type", ev.EventType,
		"patient_id", ev.PatientID,
		"name", ev.Name,
		"email", ev.Email,
		"occurred_at", ev.OccurredAt,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	h.metrics.increment(ev.EventType, "processed")
	return nil
}

var _ consumer.Handler = (*Handler)(nil)
