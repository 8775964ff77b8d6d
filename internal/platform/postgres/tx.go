package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dErrors "patientsync/pkg/domain-errors"
	txcontext "patientsync/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// TxRunner runs a function inside one database transaction. Stores called with
// the supplied context pick the transaction up via pkg/platform/tx.
type TxRunner struct {
	db      *sql.DB
	timeout time.Duration
}

// NewTxRunner creates a runner; a zero timeout uses the 5s default.
func NewTxRunner(db *sql.DB, timeout time.Duration) *TxRunner {
	return &TxRunner{db: db, timeout: timeout}
}

func (t *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
