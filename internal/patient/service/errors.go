package service

import (
	"fmt"

	"github.com/google/uuid"
)

// Stage names the downstream step that failed after persistence.
type Stage string

const (
	StageBilling Stage = "billing"
	StageEvent   Stage = "event"
)

// PartialFailure reports that the patient was persisted but a later step
// failed. Err keeps the downstream code (unavailable, rejected, encoding).
type PartialFailure struct {
	PatientID uuid.UUID
	Stage     Stage
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("patient %s persisted but %s step failed: %v", e.PatientID, e.Stage, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}
