package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"patientsync/internal/patient/models"
	"patientsync/internal/platform/postgres"
	txcontext "patientsync/pkg/platform/tx"
)

// PostgresStore persists patients in the patients table. The unique index on
// email is the uniqueness backstop for concurrent writers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const patientColumns = `id, name, address, email, date_of_birth, registered_date`

func (s *PostgresStore) FindAll(ctx context.Context) ([]*models.Patient, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT `+patientColumns+` FROM patients ORDER BY registered_date, id`)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Patient, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanOne(row)
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.Patient, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE email = $1`, email)
	return scanOne(row)
}

func (s *PostgresStore) ExistsByEmailExcluding(ctx context.Context, email string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients WHERE email = $1 AND id <> $2)`, email, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Save(ctx context.Context, patient *models.Patient) error {
	query := `
		INSERT INTO patients (id, name, address, email, date_of_birth, registered_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			email = EXCLUDED.email,
			date_of_birth = EXCLUDED.date_of_birth
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		patient.ID,
		patient.Name,
		patient.Address,
		patient.Email,
		patient.DateOfBirth,
		patient.RegisteredDate,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id uuid.UUID) error {
	if _, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `DELETE FROM patients WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*models.Patient, error) {
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPatient(row scanner) (*models.Patient, error) {
	var p models.Patient
	err := row.Scan(&p.ID, &p.Name, &p.Address, &p.Email, &p.DateOfBirth, &p.RegisteredDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	p.DateOfBirth = p.DateOfBirth.UTC()
	p.RegisteredDate = p.RegisteredDate.UTC()
	return &p, nil
}
