package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

// Only debit links consume a credit. A transfer_in repeats its counterpart's
// links for tracing and must not be counted twice.

func (r *txRepo) OpenCredits(ctx context.Context, userID string) ([]ledger.Candidate, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+entryColumns+`, e.points - COALESCE(c.taken, 0) AS remaining
		FROM ledger_entries e
		LEFT JOIN (
			SELECT l.parent_id, SUM(l.points_taken) AS taken
			FROM ledger_parent_links l
			JOIN ledger_entries d ON d.id = l.entry_id
			WHERE d.user_id = $1
			  AND d.points < 0
			GROUP BY l.parent_id
		) c ON c.parent_id = e.id
		WHERE e.user_id = $1
		  AND e.points > 0
		  AND e.points - COALESCE(c.taken, 0) > 0
		ORDER BY e.created_at, e.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open credits: %w", err)
	}
	//nolint:errcheck
	defer rows.Close()

	var out []ledger.Candidate
	for rows.Next() {
		var (
			c      ledger.Candidate
			origin string
			cp     uuid.NullUUID
		)

		err = rows.Scan(&c.Entry.ID, &c.Entry.UserID, &c.Entry.Points, &origin, &c.Entry.OriginID, &cp, &c.Entry.CreatedAt, &c.Remaining)
		if err != nil {
			return nil, fmt.Errorf("scan open credit: %w", err)
		}

		c.Entry.OriginType = ledger.OriginType(origin)
		c.Entry.CreatedAt = c.Entry.CreatedAt.UTC()
		if cp.Valid {
			id := cp.UUID
			c.Entry.CounterpartID = &id
		}

		out = append(out, c)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate open credits: %w", err)
	}

	return out, nil
}

func (r *txRepo) Remaining(ctx context.Context, entryID uuid.UUID) (int64, error) {
	var remaining int64

	err := r.tx.QueryRowContext(ctx, `
		SELECT CASE WHEN e.points > 0 THEN
			e.points - COALESCE((
				SELECT SUM(l.points_taken)
				FROM ledger_parent_links l
				JOIN ledger_entries d ON d.id = l.entry_id
				WHERE l.parent_id = e.id
				  AND d.points < 0
			), 0)
		ELSE 0 END
		FROM ledger_entries e
		WHERE e.id = $1
	`, entryID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("entry %s: %w", entryID, entries.ErrNotFound)
		}

		return 0, fmt.Errorf("get remaining: %w", err)
	}

	return remaining, nil
}

func (r *txRepo) Consumers(ctx context.Context, parentID uuid.UUID) ([]ledger.Consumer, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT d.id, d.created_at, l.points_taken
		FROM ledger_parent_links l
		JOIN ledger_entries d ON d.id = l.entry_id
		WHERE l.parent_id = $1
		  AND d.points < 0
		ORDER BY d.created_at, d.id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query consumers: %w", err)
	}
	//nolint:errcheck
	defer rows.Close()

	var out []ledger.Consumer
	for rows.Next() {
		var c ledger.Consumer

		err = rows.Scan(&c.EntryID, &c.CreatedAt, &c.PointsTaken)
		if err != nil {
			return nil, fmt.Errorf("scan consumer: %w", err)
		}

		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate consumers: %w", err)
	}

	return out, nil
}
