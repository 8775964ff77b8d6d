package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and adapters return these
// (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrConflict: a uniqueness constraint was violated by a concurrent writer
//   - ErrUnavailable: dependency temporarily unreachable
//   - ErrClaimed: outbox entry is leased by another dispatcher
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
	ErrClaimed     = errors.New("already claimed")
)
