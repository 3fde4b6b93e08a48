package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
)

// AppendLedgerEntry implements ledger.Store. The balance check and insert run
// in one transaction; the (user_id, seq) primary key rejects a concurrent
// writer that read the same tail.
func (s *Store) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq, prev int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, balance_after FROM ledger_entries WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`,
		e.UserID,
	).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("read ledger tail: %w", err)
	}
	if prev != e.BalanceAfter-e.Amount {
		return e, ledger.ErrConflict
	}

	if e.Operation == model.OpRefund && e.ReferenceID != "" {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND operation = $2 AND reference_id = $3`,
			e.UserID, model.OpRefund, e.ReferenceID,
		).Scan(&n)
		if err != nil {
			return e, fmt.Errorf("check refund reference: %w", err)
		}
		if n > 0 {
			return e, ledger.ErrDuplicateReference
		}
	}

	e.Seq = seq + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, seq, amount, balance_after, operation, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.UserID, e.Seq, e.Amount, e.BalanceAfter, e.Operation, e.ReferenceID, toMillis(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if e.Operation == model.OpRefund {
				return e, ledger.ErrDuplicateReference
			}
			return e, ledger.ErrConflict
		}
		return e, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return e, ledger.ErrConflict
		}
		return e, fmt.Errorf("commit ledger entry: %w", err)
	}
	return e, nil
}

// LedgerEntries returns a user's entries in seq order.
func (s *Store) LedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, seq, amount, balance_after, operation, reference_id, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e  model.LedgerEntry
			ts int64
		)
		if err := rows.Scan(&e.UserID, &e.Seq, &e.Amount, &e.BalanceAfter, &e.Operation, &e.ReferenceID, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerBalance returns the user's latest balance, or 0 with no entries.
func (s *Store) LedgerBalance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_after FROM ledger_entries WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`,
		userID,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}
