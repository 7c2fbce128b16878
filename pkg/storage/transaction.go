package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// Tx wraps a dedicated database connection with an active transaction.
// Higher-level engines (claim, return, service iteration) run entirely
// inside one Tx so their multi-table updates are atomic.
type Tx struct {
	conn  *sql.Conn
	store *Store

	// terminal transitions observed in this transaction, emitted to
	// the notifier only after commit
	changes []recordChange
}

// RunInTransaction executes fn within a single write transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// avoiding deadlocks when multiple goroutines compete. On error or
// panic the transaction is rolled back and nothing is notified; on
// success it is committed and terminal-status notifications collected
// during the transaction are fired.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx
			// is already cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &Tx{conn: conn, store: s}
	if err := fn(tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	s.fireNotifications(tx.changes)
	return nil
}

// beginImmediateWithRetry retries BEGIN IMMEDIATE on SQLITE_BUSY with
// exponential backoff.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// markChanged records a terminal transition for post-commit delivery.
func (t *Tx) markChanged(recordID int64, status types.RecordStatus) {
	t.changes = append(t.changes, recordChange{RecordID: recordID, Status: status})
}

// Savepoint runs fn inside a named savepoint. On error the savepoint is
// rolled back and the error returned; the enclosing transaction stays
// usable. Used by the return engine so one bad result does not discard
// the whole batch.
func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	nchanges := len(t.changes)
	if err := fn(); err != nil {
		if _, rbErr := t.conn.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		// Drop notifications queued inside the abandoned savepoint.
		t.changes = t.changes[:nchanges]
		if _, relErr := t.conn.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint: %w", relErr)
		}
		return err
	}

	if _, err := t.conn.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
