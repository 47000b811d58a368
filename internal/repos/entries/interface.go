package entries

import (
	"context"
	"errors"
	"time"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Account is the per-user exclusivity scope and materialized balance.
type Account struct {
	UserID      string
	Balance     int64
	LastEntryAt *time.Time
}

// IdempotencyRecord remembers the request a key was first used with and the
// entries it produced.
type IdempotencyRecord struct {
	Scope          string
	Key            string
	UserID         string
	CounterpartyID string
	Points         int64
	OriginID       string
	EntryID        uuid.UUID
	CounterEntryID *uuid.UUID
	CreatedAt      time.Time
}

// Reader is a consistent read-only view of the ledger.
type Reader interface {
	// Balance returns the materialized balance, 0 for an unknown user.
	Balance(ctx context.Context, userID string) (int64, error)
	// SumEntries folds the user's entries.
	SumEntries(ctx context.Context, userID string) (int64, error)
	AccountExists(ctx context.Context, userID string) (bool, error)

	// Entry returns one entry with its parent links, or ErrNotFound.
	Entry(ctx context.Context, id uuid.UUID) (ledger.Entry, error)
	// EntriesByUser returns the user's entries with links, oldest first.
	EntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error)
	// EntriesByOrigin returns every entry tagged with originID.
	EntriesByOrigin(ctx context.Context, originID string) ([]ledger.Entry, error)

	// OpenCredits returns the user's credits with a positive remaining amount
	// in consumption order. Entries are returned without parent links.
	OpenCredits(ctx context.Context, userID string) ([]ledger.Candidate, error)
	// Remaining returns a credit's magnitude minus what debits took from it.
	Remaining(ctx context.Context, entryID uuid.UUID) (int64, error)
	// Consumers lists the debits that took points from parentID.
	Consumers(ctx context.Context, parentID uuid.UUID) ([]ledger.Consumer, error)

	// Idempotency returns the record for (scope, key), or ErrNotFound.
	Idempotency(ctx context.Context, scope, key string) (IdempotencyRecord, error)
}

// Tx is a read-write unit of work. Its writes become visible together when
// the enclosing Store.Update returns nil, and not at all otherwise.
type Tx interface {
	Reader

	// EnsureAccount creates an empty account for userID if none exists.
	EnsureAccount(ctx context.Context, userID string) error
	// LockAccount acquires the user's exclusivity scope until the Tx ends.
	// It returns ErrNotFound for a user without an account.
	LockAccount(ctx context.Context, userID string) (Account, error)
	// Append writes an entry with its links and applies it to the
	// materialized balance. It fails with ledger.ErrInsufficientBalance if
	// the balance would go negative.
	Append(ctx context.Context, e ledger.Entry) error
	// SaveIdempotency records a key; ErrDuplicateKey if (scope, key) exists.
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

// Store runs units of work against the ledger.
type Store interface {
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}
