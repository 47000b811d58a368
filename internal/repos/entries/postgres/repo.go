package entries

import (
	"context"
	"database/sql"

	"github.com/fastprodman/pointsledger/internal/infra/pgutils"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
)

var _ entries.Store = (*Store)(nil)

// Store is the Postgres ledger store. Writers serialize per user on the
// accounts row; readers run in a read-only repeatable-read snapshot.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var viewOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// maxTxAttempts bounds reruns of a unit of work the server aborted with a
// deadlock or serialization failure.
const maxTxAttempts = 3

// Update runs fn in a read-committed transaction. Row locks taken through
// LockAccount are held until it commits or rolls back. fn may run again
// when the server reports a transient conflict.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx entries.Tx) error) error {
	var err error

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			return fn(ctx, &txRepo{tx: tx})
		})
		if err == nil || !pgutils.IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}

	return err
}

// View runs fn against a consistent snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r entries.Reader) error) error {
	return pgutils.WithTxOptions(ctx, s.db, viewOptions, func(tx *sql.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// txRepo implements entries.Tx over one *sql.Tx.
type txRepo struct{ tx *sql.Tx }
