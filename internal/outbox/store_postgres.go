package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"patientsync/pkg/platform/sentinel"
	txcontext "patientsync/pkg/platform/tx"
)

// PostgresStore keeps entries in the outbox table. Claims use
// FOR UPDATE SKIP LOCKED plus a locked_until lease, so concurrent
// dispatchers never receive the same entry.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, aggregate_type, aggregate_id, event_type, payload, stage, attempts,
	next_attempt_at, locked_until, last_error, created_at, processed_at`

func (s *PostgresStore) Enqueue(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, stage, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		e.ID,
		e.AggregateType,
		e.AggregateID,
		e.EventType,
		string(e.Payload),
		string(e.Stage),
		e.Attempts,
		e.NextAttemptAt,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Entry, error) {
	query := `
		UPDATE outbox SET locked_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE stage IN ('billing', 'event')
			  AND next_attempt_at <= $1
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns
	rows, err := s.db.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	sortByCreated(entries)
	return entries, nil
}

func (s *PostgresStore) Advance(ctx context.Context, id uuid.UUID, stage Stage, now time.Time) error {
	var processedAt *time.Time
	if !stage.Pending() {
		processedAt = &now
	}
	query := `
		UPDATE outbox
		SET stage = $2, attempts = 0, locked_until = NULL, last_error = '',
		    next_attempt_at = $3, processed_at = $4
		WHERE id = $1
	`
	return s.exec(ctx, "advance outbox entry", query, id, string(stage), now, processedAt)
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time, dead bool) error {
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, locked_until = NULL, next_attempt_at = $3,
		    stage = CASE WHEN $4 THEN 'dead' ELSE stage END,
		    processed_at = CASE WHEN $4 THEN $3 ELSE processed_at END
		WHERE id = $1
	`
	return s.exec(ctx, "fail outbox entry", query, id, cause, nextAttempt, dead)
}

func (s *PostgresStore) Pending(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE stage IN ('billing', 'event') ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var (
			e           Entry
			stage       string
			lockedUntil sql.NullTime
			processedAt sql.NullTime
		)
		err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &stage,
			&e.Attempts, &e.NextAttemptAt, &lockedUntil, &e.LastError, &e.CreatedAt, &processedAt)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Stage = Stage(stage)
		if lockedUntil.Valid {
			e.LockedUntil = &lockedUntil.Time
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}
