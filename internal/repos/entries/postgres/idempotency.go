package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/pointsledger/internal/infra/pgutils"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

func (r *txRepo) Idempotency(ctx context.Context, scope, key string) (entries.IdempotencyRecord, error) {
	var (
		rec     = entries.IdempotencyRecord{Scope: scope, Key: key}
		counter uuid.NullUUID
	)

	err := r.tx.QueryRowContext(ctx, `
		SELECT user_id, counterparty_id, points, origin_id, entry_id, counter_entry_id, created_at
		FROM idempotency_keys
		WHERE scope = $1
		  AND key = $2
	`, scope, key).Scan(&rec.UserID, &rec.CounterpartyID, &rec.Points, &rec.OriginID, &rec.EntryID, &counter, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entries.IdempotencyRecord{}, entries.ErrNotFound
		}

		return entries.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	if counter.Valid {
		id := counter.UUID
		rec.CounterEntryID = &id
	}

	return rec, nil
}

func (r *txRepo) SaveIdempotency(ctx context.Context, rec entries.IdempotencyRecord) error {
	var counter uuid.NullUUID
	if rec.CounterEntryID != nil {
		counter = uuid.NullUUID{UUID: *rec.CounterEntryID, Valid: true}
	}

	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, user_id, counterparty_id, points, origin_id, entry_id, counter_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.Scope, rec.Key, rec.UserID, rec.CounterpartyID, rec.Points, rec.OriginID, rec.EntryID, counter, rec.CreatedAt)
	if err != nil {
		if pgutils.IsUniqueViolation(err) {
			return fmt.Errorf("key %s/%s: %w", rec.Scope, rec.Key, entries.ErrDuplicateKey)
		}

		return fmt.Errorf("insert idempotency key: %w", err)
	}

	return nil
}
