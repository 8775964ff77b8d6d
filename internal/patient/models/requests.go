package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/email"
)

// CreatePatientRequest is the inbound create contract.
type CreatePatientRequest struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Email          string `json:"email"`
	DateOfBirth    string `json:"date_of_birth"`
	RegisteredDate string `json:"registered_date"`

	dateOfBirth    time.Time
	registeredDate time.Time
}

// Normalize trims string fields and lower-cases the email.
func (r *CreatePatientRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Address = strings.TrimSpace(r.Address)
	r.Email = email.Normalize(r.Email)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.RegisteredDate = strings.TrimSpace(r.RegisteredDate)
}

// Validate normalizes and checks the request, parsing the dates.
func (r *CreatePatientRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Normalize()
	if err := checkName(r.Name); err != nil {
		return err
	}
	if r.Address == "" {
		return dErrors.New(dErrors.CodeValidation, "address is required")
	}
	if !email.IsValid(r.Email) {
		return dErrors.New(dErrors.CodeValidation, "email must be a valid address")
	}
	dob, err := ParseDate("date_of_birth", r.DateOfBirth)
	if err != nil {
		return err
	}
	registered, err := ParseDate("registered_date", r.RegisteredDate)
	if err != nil {
		return err
	}
	r.dateOfBirth = dob
	r.registeredDate = registered
	return nil
}

// ToPatient builds the new record. Validate must have succeeded.
func (r *CreatePatientRequest) ToPatient(id uuid.UUID) (*Patient, error) {
	return NewPatient(id, r.Name, r.Address, r.Email, r.dateOfBirth, r.registeredDate)
}

// UpdatePatientRequest is the inbound update contract. ID comes from the path.
type UpdatePatientRequest struct {
	ID          uuid.UUID `json:"-"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Email       string    `json:"email"`
	DateOfBirth string    `json:"date_of_birth"`

	dateOfBirth time.Time
}

// Normalize trims string fields and lower-cases the email.
func (r *UpdatePatientRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Address = strings.TrimSpace(r.Address)
	r.Email = email.Normalize(r.Email)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
}

// Validate normalizes and checks the request. RegisteredDate is not updatable.
func (r *UpdatePatientRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Normalize()
	if err := checkName(r.Name); err != nil {
		return err
	}
	if r.Address == "" {
		return dErrors.New(dErrors.CodeValidation, "address is required")
	}
	if !email.IsValid(r.Email) {
		return dErrors.New(dErrors.CodeValidation, "email must be a valid address")
	}
	dob, err := ParseDate("date_of_birth", r.DateOfBirth)
	if err != nil {
		return err
	}
	r.dateOfBirth = dob
	return nil
}
