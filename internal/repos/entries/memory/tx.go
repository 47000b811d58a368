package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

type accountDelta struct {
	delta int64
	last  *time.Time
}

// pending holds the writes of one unit of work.
type pending struct {
	accounts map[string]*accountDelta
	entries  []ledger.Entry
	keys     map[string]entries.IdempotencyRecord
}

func (p *pending) empty() bool {
	return len(p.accounts) == 0 && len(p.entries) == 0 && len(p.keys) == 0
}

func (p *pending) entry(id uuid.UUID) (ledger.Entry, bool) {
	for _, e := range p.entries {
		if e.ID == id {
			return e, true
		}
	}

	return ledger.Entry{}, false
}

type tx struct {
	reader

	locked map[string]chan struct{}
}

var _ entries.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	p := &pending{
		accounts: make(map[string]*accountDelta),
		keys:     make(map[string]entries.IdempotencyRecord),
	}

	return &tx{
		reader: reader{s: s, pending: p},
		locked: make(map[string]chan struct{}),
	}
}

func (t *tx) release() {
	for user, ch := range t.locked {
		<-ch
		delete(t.locked, user)
	}
}

func (t *tx) EnsureAccount(ctx context.Context, userID string) error {
	exists, err := t.AccountExists(ctx, userID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	t.pending.accounts[userID] = &accountDelta{}

	return nil
}

func (t *tx) LockAccount(ctx context.Context, userID string) (entries.Account, error) {
	exists, err := t.AccountExists(ctx, userID)
	if err != nil {
		return entries.Account{}, err
	}
	if !exists {
		return entries.Account{}, fmt.Errorf("account %q: %w", userID, entries.ErrNotFound)
	}

	if _, ok := t.locked[userID]; !ok {
		ch := t.s.userLock(userID)

		select {
		case ch <- struct{}{}:
			t.locked[userID] = ch
		case <-ctx.Done():
			return entries.Account{}, fmt.Errorf("lock account %q: %w", userID, ctx.Err())
		}
	}

	t.s.mu.RLock()
	acc := t.s.accounts[userID]
	t.s.mu.RUnlock()

	out := entries.Account{UserID: userID, Balance: acc.balance, LastEntryAt: acc.last}
	if d, ok := t.pending.accounts[userID]; ok {
		out.Balance += d.delta
		out.LastEntryAt = laterOf(out.LastEntryAt, d.last)
	}

	return out, nil
}

func (t *tx) Append(ctx context.Context, e ledger.Entry) error {
	exists, err := t.AccountExists(ctx, e.UserID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("account %q: %w", e.UserID, entries.ErrNotFound)
	}

	bal, err := t.Balance(ctx, e.UserID)
	if err != nil {
		return err
	}
	if e.Points > 0 && bal > math.MaxInt64-e.Points {
		return fmt.Errorf("%w: %s balance would overflow", ledger.ErrInvalidAmount, e.UserID)
	}
	if bal+e.Points < 0 {
		return fmt.Errorf("%w: %s would go negative", ledger.ErrInsufficientBalance, e.UserID)
	}

	d, ok := t.pending.accounts[e.UserID]
	if !ok {
		d = &accountDelta{}
		t.pending.accounts[e.UserID] = d
	}

	at := e.CreatedAt
	d.delta += e.Points
	d.last = laterOf(d.last, &at)

	t.pending.entries = append(t.pending.entries, cloneEntry(e))

	return nil
}

func (t *tx) SaveIdempotency(ctx context.Context, rec entries.IdempotencyRecord) error {
	_, err := t.Idempotency(ctx, rec.Scope, rec.Key)
	if err == nil {
		return fmt.Errorf("key %s/%s: %w", rec.Scope, rec.Key, entries.ErrDuplicateKey)
	}

	t.pending.keys[keyOf(rec.Scope, rec.Key)] = rec

	return nil
}
