package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/pointsledger/internal/infra/pgutils"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

const entryColumns = `e.id, e.user_id, e.points, e.origin_type, e.origin_id, e.counterpart_id, e.created_at`

func (r *txRepo) Append(ctx context.Context, e ledger.Entry) error {
	var counterpart uuid.NullUUID
	if e.CounterpartID != nil {
		counterpart = uuid.NullUUID{UUID: *e.CounterpartID, Valid: true}
	}

	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, points, origin_type, origin_id, counterpart_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.Points, string(e.OriginType), e.OriginID, counterpart, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	for i, l := range e.ParentLinks {
		_, err = r.tx.ExecContext(ctx, `
			INSERT INTO ledger_parent_links (entry_id, position, parent_id, points_taken)
			VALUES ($1, $2, $3, $4)
		`, e.ID, i, l.ParentID, l.PointsTaken)
		if err != nil {
			return fmt.Errorf("insert parent link %d: %w", i, err)
		}
	}

	err = r.applyToBalance(ctx, e.UserID, e.Points, e.CreatedAt)
	if err != nil {
		switch pgutils.Code(err) {
		case pgutils.CodeCheckViolation:
			return fmt.Errorf("%w: %s would go negative", ledger.ErrInsufficientBalance, e.UserID)
		case pgutils.CodeNumericOutOfRange:
			return fmt.Errorf("%w: %s balance would overflow", ledger.ErrInvalidAmount, e.UserID)
		}

		return err
	}

	return nil
}

func (r *txRepo) Entry(ctx context.Context, id uuid.UUID) (ledger.Entry, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.id = $1
	`, id)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, fmt.Errorf("entry %s: %w", id, entries.ErrNotFound)
		}

		return ledger.Entry{}, fmt.Errorf("get entry: %w", err)
	}

	links, err := r.links(ctx, `
		SELECT l.entry_id, l.parent_id, l.points_taken
		FROM ledger_parent_links l
		WHERE l.entry_id = $1
		ORDER BY l.position
	`, id)
	if err != nil {
		return ledger.Entry{}, err
	}

	e.ParentLinks = links[e.ID]

	return e, nil
}

func (r *txRepo) EntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error) {
	list, err := r.entries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.user_id = $1
		ORDER BY e.created_at, e.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("entries by user: %w", err)
	}

	links, err := r.links(ctx, `
		SELECT l.entry_id, l.parent_id, l.points_taken
		FROM ledger_parent_links l
		JOIN ledger_entries e ON e.id = l.entry_id
		WHERE e.user_id = $1
		ORDER BY l.entry_id, l.position
	`, userID)
	if err != nil {
		return nil, err
	}

	return withLinks(list, links), nil
}

func (r *txRepo) EntriesByOrigin(ctx context.Context, originID string) ([]ledger.Entry, error) {
	list, err := r.entries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.origin_id = $1
		ORDER BY e.created_at, e.id
	`, originID)
	if err != nil {
		return nil, fmt.Errorf("entries by origin: %w", err)
	}

	links, err := r.links(ctx, `
		SELECT l.entry_id, l.parent_id, l.points_taken
		FROM ledger_parent_links l
		JOIN ledger_entries e ON e.id = l.entry_id
		WHERE e.origin_id = $1
		ORDER BY l.entry_id, l.position
	`, originID)
	if err != nil {
		return nil, err
	}

	return withLinks(list, links), nil
}

func (r *txRepo) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64

	err := r.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points), 0)
		FROM ledger_entries
		WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}

	return sum, nil
}

func (r *txRepo) entries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	//nolint:errcheck
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		out = append(out, e)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return out, nil
}

// links loads parent links grouped by entry id, each group in position order.
func (r *txRepo) links(ctx context.Context, query string, args ...any) (map[uuid.UUID][]ledger.ParentLink, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query parent links: %w", err)
	}
	//nolint:errcheck
	defer rows.Close()

	out := make(map[uuid.UUID][]ledger.ParentLink)
	for rows.Next() {
		var (
			entryID uuid.UUID
			l       ledger.ParentLink
		)

		err = rows.Scan(&entryID, &l.ParentID, &l.PointsTaken)
		if err != nil {
			return nil, fmt.Errorf("scan parent link: %w", err)
		}

		out[entryID] = append(out[entryID], l)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate parent links: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (ledger.Entry, error) {
	var (
		e           ledger.Entry
		origin      string
		counterpart uuid.NullUUID
	)

	err := s.Scan(&e.ID, &e.UserID, &e.Points, &origin, &e.OriginID, &counterpart, &e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}

	e.OriginType = ledger.OriginType(origin)
	e.CreatedAt = e.CreatedAt.UTC()
	if counterpart.Valid {
		id := counterpart.UUID
		e.CounterpartID = &id
	}

	return e, nil
}

func withLinks(list []ledger.Entry, links map[uuid.UUID][]ledger.ParentLink) []ledger.Entry {
	for i := range list {
		list[i].ParentLinks = links[list[i].ID]
	}

	return list
}
