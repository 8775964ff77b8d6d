package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"patientsync/internal/patient/models"
)

// InMemoryPatientStore keeps patients in a map with a unique email index.
// The index is checked and updated under the write lock, so concurrent
// creates with the same email cannot both be saved.
type InMemoryPatientStore struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*models.Patient
	emails   map[string]uuid.UUID
}

func NewInMemoryPatientStore() *InMemoryPatientStore {
	return &InMemoryPatientStore{
		patients: make(map[uuid.UUID]*models.Patient),
		emails:   make(map[string]uuid.UUID),
	}
}

func (s *InMemoryPatientStore) FindAll(_ context.Context) ([]*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *InMemoryPatientStore) FindByID(_ context.Context, id uuid.UUID) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *InMemoryPatientStore) FindByEmail(_ context.Context, email string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	return s.patients[id].Clone(), nil
}

func (s *InMemoryPatientStore) ExistsByEmailExcluding(_ context.Context, email string, excludeID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	return ok && id != excludeID, nil
}

func (s *InMemoryPatientStore) Save(_ context.Context, patient *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.emails[patient.Email]; ok && owner != patient.ID {
		return ErrConflict
	}
	if prev, ok := s.patients[patient.ID]; ok && prev.Email != patient.Email {
		delete(s.emails, prev.Email)
	}
	s.patients[patient.ID] = patient.Clone()
	s.emails[patient.Email] = patient.ID
	return nil
}

func (s *InMemoryPatientStore) DeleteByID(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patients[id]; ok {
		delete(s.emails, p.Email)
		delete(s.patients, id)
	}
	return nil
}

// InMemoryTx serializes units of work. It has no rollback: writes made by fn
// before it fails stay applied.
type InMemoryTx struct {
	mu sync.Mutex
}

func NewInMemoryTx() *InMemoryTx {
	return &InMemoryTx{}
}

func (t *InMemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}
