package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fastprodman/pointsledger/internal/repos/entries"
)

func (r *txRepo) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64

	err := r.tx.QueryRowContext(ctx, `
		SELECT balance
		FROM accounts
		WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

func (r *txRepo) AccountExists(ctx context.Context, userID string) (bool, error) {
	var exists bool

	err := r.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("account exists: %w", err)
	}

	return exists, nil
}

func (r *txRepo) EnsureAccount(ctx context.Context, userID string) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	return nil
}

func (r *txRepo) LockAccount(ctx context.Context, userID string) (entries.Account, error) {
	var (
		balance int64
		last    sql.NullTime
	)

	err := r.tx.QueryRowContext(ctx, `
		SELECT balance, last_entry_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balance, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entries.Account{}, fmt.Errorf("account %q: %w", userID, entries.ErrNotFound)
		}

		return entries.Account{}, fmt.Errorf("lock account: %w", err)
	}

	acc := entries.Account{UserID: userID, Balance: balance}
	if last.Valid {
		at := last.Time.UTC()
		acc.LastEntryAt = &at
	}

	return acc, nil
}

// applyToBalance moves the materialized balance by delta. The balance CHECK
// rejects a negative result.
func (r *txRepo) applyToBalance(ctx context.Context, userID string, delta int64, at time.Time) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance       = balance + $2,
		    last_entry_at = GREATEST(COALESCE(last_entry_at, $3), $3),
		    updated_at    = now()
		WHERE user_id = $1
	`, userID, delta, at)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("account %q: %w", userID, entries.ErrNotFound)
	}

	return nil
}
