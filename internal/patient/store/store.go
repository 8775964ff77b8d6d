// Package store persists patient records.
package store

import (
	"context"

	"github.com/google/uuid"

	"patientsync/internal/patient/models"
	"patientsync/pkg/platform/sentinel"
)

// Sentinels returned by every PatientStore adapter.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

// PatientStore is the record store contract shared by the memory and Postgres adapters.
type PatientStore interface {
	FindAll(ctx context.Context) ([]*models.Patient, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Patient, error)
	FindByEmail(ctx context.Context, email string) (*models.Patient, error)
	ExistsByEmailExcluding(ctx context.Context, email string, excludeID uuid.UUID) (bool, error)
	// Save inserts or replaces by ID. It returns ErrConflict when another
	// patient already holds the email.
	Save(ctx context.Context, patient *models.Patient) error
	// DeleteByID is idempotent.
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// UnitOfWork runs fn so that every store write made with the supplied
// context commits or fails together.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
