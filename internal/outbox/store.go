package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox entries.
type Store interface {
	// Enqueue inserts e, joining the transaction in ctx when there is one.
	Enqueue(ctx context.Context, e *Entry) error
	// ClaimDue leases up to limit pending entries whose next attempt is due,
	// oldest first. Leased entries are invisible to other claimers until the
	// lease expires.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Entry, error)
	// Advance moves an entry to stage, resetting attempts and releasing the lease.
	Advance(ctx context.Context, id uuid.UUID, stage Stage, now time.Time) error
	// Fail records a failed attempt. dead parks the entry permanently.
	Fail(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time, dead bool) error
	// Pending lists entries still in billing or event stage, oldest first.
	Pending(ctx context.Context) ([]*Entry, error)
}
