// Package events defines the patient event wire format and its publisher.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"patientsync/internal/patient/models"
	dErrors "patientsync/pkg/domain-errors"
)

// TypePatientCreated is the only event type emitted today.
const TypePatientCreated = "PATIENT_CREATED"

// PatientEvent is appended to the event stream after a patient is provisioned.
// The record key is PatientID so events for one patient stay in one partition.
type PatientEvent struct {
	PatientID  string    `json:"patient_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewPatientCreated builds the creation event for p.
func NewPatientCreated(p *models.Patient, at time.Time) PatientEvent {
	return PatientEvent{
		PatientID:  p.ID.String(),
		Name:       p.Name,
		Email:      p.Email,
		EventType:  TypePatientCreated,
		OccurredAt: at.UTC(),
	}
}

// Encode serializes ev. Failures carry CodeEncoding and must not be retried.
func Encode(ev PatientEvent) (key, value []byte, err error) {
	if strings.TrimSpace(ev.PatientID) == "" {
		return nil, nil, dErrors.New(dErrors.CodeEncoding, "patient event has no patient id")
	}
	if _, err := uuid.Parse(ev.PatientID); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeEncoding, "patient event id is not a uuid")
	}
	for _, s := range []string{ev.Name, ev.Email, ev.EventType} {
		if !utf8.ValidString(s) {
			return nil, nil, dErrors.New(dErrors.CodeEncoding, "patient event contains invalid UTF-8")
		}
	}
	value, err = json.Marshal(ev)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeEncoding, "marshal patient event")
	}
	return []byte(ev.PatientID), value, nil
}

// Decode parses a PatientEvent from a record value.
func Decode(value []byte) (PatientEvent, error) {
	var ev PatientEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return PatientEvent{}, dErrors.Wrap(err, dErrors.CodeEncoding, "decode patient event")
	}
	if ev.PatientID == "" {
		return PatientEvent{}, dErrors.New(dErrors.CodeEncoding, "patient event has no patient id")
	}
	return ev, nil
}

// RecordProducer appends a keyed record to the event stream.
type RecordProducer interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Publisher encodes patient events and appends them to the stream.
type Publisher struct {
	producer RecordProducer
}

func NewPublisher(producer RecordProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish returns CodeEncoding for events that cannot be serialized and
// CodeUnavailable when the stream does not acknowledge the append.
func (p *Publisher) Publish(ctx context.Context, ev PatientEvent) error {
	key, value, err := Encode(ev)
	if err != nil {
		return err
	}
	headers := map[string]string{"event_type": ev.EventType}
	if err := p.producer.Produce(ctx, key, value, headers); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "event stream unavailable")
	}
	return nil
}
