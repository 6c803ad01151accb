package store

import (
	"context"

	"github.com/telos-cog/telos/internal/teloserr"
)

// LeaseOutbox marks rows as in_flight under owner's lease until
// leaseExpiresMS. If the leasing coordinator crashes, the lease
// expires and another instance picks the rows back up from
// PendingOutbox.
func (s *Store) LeaseOutbox(ctx context.Context, sequences []uint64, owner string, leaseExpiresMS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "beginning lease transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE outbox SET state = 'in_flight', lease_owner = ?, lease_expires_ms = ?
		 WHERE sequence = ? AND state IN ('pending', 'in_flight')`)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "preparing lease statement")
	}
	defer stmt.Close()

	for _, seq := range sequences {
		if _, err := stmt.ExecContext(ctx, owner, leaseExpiresMS, seq); err != nil {
			return teloserr.Wrap(teloserr.StorageFailure, err, "leasing outbox row %d", seq)
		}
	}
	if err := tx.Commit(); err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "committing lease transaction")
	}
	return nil
}

// MarkApplied transitions a row to 'applied'. Applied entries are never
// reread.
func (s *Store) MarkApplied(ctx context.Context, sequence uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = 'applied' WHERE sequence = ?`, sequence)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "marking outbox row %d applied", sequence)
	}
	return nil
}

// MarkDead transitions a row to 'dead' after exhausting retries.
func (s *Store) MarkDead(ctx context.Context, sequence uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = 'dead' WHERE sequence = ?`, sequence)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "marking outbox row %d dead", sequence)
	}
	return nil
}

// ReleaseForRetry moves a row back to 'pending' with a new
// earliest-retry timestamp and incremented attempt count, used on a
// transient apply failure.
func (s *Store) ReleaseForRetry(ctx context.Context, sequence uint64, earliestRetryMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET state = 'pending', lease_owner = '', lease_expires_ms = 0,
		 attempt_count = attempt_count + 1, earliest_retry_ms = ?
		 WHERE sequence = ?`, earliestRetryMS, sequence)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "releasing outbox row %d for retry", sequence)
	}
	return nil
}

// AttemptCount returns the current attempt_count for a row.
func (s *Store) AttemptCount(ctx context.Context, sequence uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM outbox WHERE sequence = ?`, sequence).Scan(&n)
	if err != nil {
		return 0, teloserr.Wrap(teloserr.StorageFailure, err, "reading attempt count for %d", sequence)
	}
	return n, nil
}
