// Package outbox records patient side effects in the same transaction as the
// patient row and drains them to billing and the event stream.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"patientsync/internal/patient/events"
	"patientsync/internal/patient/models"
)

// Stage is how far an entry has progressed. Entries move
// billing -> event -> done, or to dead when they cannot be delivered.
type Stage string

const (
	StageBilling Stage = "billing"
	StageEvent   Stage = "event"
	StageDone    Stage = "done"
	StageDead    Stage = "dead"
)

// Pending reports whether the dispatcher still has work for this stage.
func (s Stage) Pending() bool {
	return s == StageBilling || s == StageEvent
}

const (
	AggregatePatient    = "patient"
	EventPatientCreated = "patient.created"
)

// Entry is one row of the outbox table.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	Stage         Stage
	Attempts      int
	NextAttemptAt time.Time
	LockedUntil   *time.Time
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Clone copies e including its pointer fields.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.LockedUntil != nil {
		t := *e.LockedUntil
		c.LockedUntil = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// PatientCreated is the payload of a patient.created entry. It carries
// everything both downstream steps need so the dispatcher never re-reads
// the patient row.
type PatientCreated struct {
	PatientID  string    `json:"patient_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event converts the payload into the stream event.
func (p PatientCreated) Event() events.PatientEvent {
	return events.PatientEvent{
		PatientID:  p.PatientID,
		Name:       p.Name,
		Email:      p.Email,
		EventType:  events.TypePatientCreated,
		OccurredAt: p.OccurredAt,
	}
}

// NewPatientCreated builds the entry for a freshly persisted patient.
func NewPatientCreated(p *models.Patient, now time.Time) (*Entry, error) {
	payload, err := json.Marshal(PatientCreated{
		PatientID:  p.ID.String(),
		Name:       p.Name,
		Email:      p.Email,
		OccurredAt: now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return &Entry{
		ID:            uuid.New(),
		AggregateType: AggregatePatient,
		AggregateID:   p.ID,
		EventType:     EventPatientCreated,
		Payload:       payload,
		Stage:         StageBilling,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// DecodePatientCreated parses a patient.created payload.
func DecodePatientCreated(e *Entry) (PatientCreated, error) {
	var p PatientCreated
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return PatientCreated{}, fmt.Errorf("decode outbox payload %s: %w", e.ID, err)
	}
	return p, nil
}
