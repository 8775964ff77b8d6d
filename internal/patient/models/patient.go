package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/email"
)

// DateLayout is the calendar-date wire format for birth and registration dates.
const DateLayout = "2006-01-02"

const (
	nameMinLength = 3
	nameMaxLength = 100
)

// Patient is a registered patient record.
//
// Invariants:
//   - ID is generated at creation and never changes
//   - Name is 3–100 characters, Address is non-empty
//   - Email is normalized and unique among live patients (enforced by the store)
//   - DateOfBirth and RegisteredDate are calendar dates (UTC midnight)
type Patient struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Email          string    `json:"email"`
	DateOfBirth    time.Time `json:"date_of_birth"`
	RegisteredDate time.Time `json:"registered_date"`
}

// NewPatient constructs a Patient, checking the record invariants.
func NewPatient(id uuid.UUID, name, address, emailAddr string, dateOfBirth, registeredDate time.Time) (*Patient, error) {
	if id == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeValidation, "patient id is required")
	}
	p := &Patient{
		ID:             id,
		Name:           name,
		Address:        address,
		Email:          email.Normalize(emailAddr),
		DateOfBirth:    truncateDate(dateOfBirth),
		RegisteredDate: truncateDate(registeredDate),
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.RegisteredDate.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "registered_date is required")
	}
	return p, nil
}

// Apply mutates the updatable attributes in place. RegisteredDate and ID are kept.
func (p *Patient) Apply(req *UpdatePatientRequest) error {
	next := *p
	next.Name = req.Name
	next.Address = req.Address
	next.Email = email.Normalize(req.Email)
	next.DateOfBirth = req.dateOfBirth
	if err := next.check(); err != nil {
		return err
	}
	*p = next
	return nil
}

// Clone returns a copy safe to hand across goroutines.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func (p *Patient) check() error {
	if err := checkName(p.Name); err != nil {
		return err
	}
	if strings.TrimSpace(p.Address) == "" {
		return dErrors.New(dErrors.CodeValidation, "address is required")
	}
	if !email.IsValid(p.Email) {
		return dErrors.New(dErrors.CodeValidation, "email must be a valid address")
	}
	if p.DateOfBirth.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "date_of_birth is required")
	}
	return nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	n := utf8.RuneCountInString(name)
	if n < nameMinLength || n > nameMaxLength {
		return dErrors.New(dErrors.CodeValidation, "name must be between 3 and 100 characters")
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, field+" must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

func truncateDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
