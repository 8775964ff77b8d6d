package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"patientsync/pkg/platform/sentinel"
)

// InMemoryStore is the outbox for the memory deployment and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return sentinel.ErrConflict
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *InMemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, e := range s.entries {
		if !e.Stage.Pending() || e.NextAttemptAt.After(now) {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	sortByCreated(due)
	if len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	out := make([]*Entry, 0, len(due))
	for _, e := range due {
		e.LockedUntil = &until
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Advance(_ context.Context, id uuid.UUID, stage Stage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e.Stage = stage
	e.Attempts = 0
	e.LockedUntil = nil
	e.LastError = ""
	e.NextAttemptAt = now
	if !stage.Pending() {
		processed := now
		e.ProcessedAt = &processed
	}
	return nil
}

func (s *InMemoryStore) Fail(_ context.Context, id uuid.UUID, cause string, nextAttempt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e.Attempts++
	e.LastError = cause
	e.LockedUntil = nil
	e.NextAttemptAt = nextAttempt
	if dead {
		e.Stage = StageDead
		processed := nextAttempt
		e.ProcessedAt = &processed
	}
	return nil
}

func (s *InMemoryStore) Pending(_ context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Stage.Pending() {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// Get returns a copy of one entry.
func (s *InMemoryStore) Get(id uuid.UUID) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func sortByCreated(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}
