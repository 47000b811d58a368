package memory

import (
	"context"
	"fmt"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

// reader reads committed state, overlaid with pending writes inside a Tx.
// held is set by View, which keeps the read lock for its whole callback.
type reader struct {
	s       *Store
	pending *pending
	held    bool
}

var _ entries.Reader = (*reader)(nil)

func (r *reader) rlock() func() {
	if r.held {
		return func() {}
	}

	r.s.mu.RLock()

	return r.s.mu.RUnlock
}

func (r *reader) Balance(_ context.Context, userID string) (int64, error) {
	defer r.rlock()()

	bal := r.s.accounts[userID].balance
	if r.pending != nil {
		if d, ok := r.pending.accounts[userID]; ok {
			bal += d.delta
		}
	}

	return bal, nil
}

func (r *reader) SumEntries(ctx context.Context, userID string) (int64, error) {
	list, err := r.EntriesByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	var sum int64
	for _, e := range list {
		sum += e.Points
	}

	return sum, nil
}

func (r *reader) AccountExists(_ context.Context, userID string) (bool, error) {
	defer r.rlock()()

	if _, ok := r.s.accounts[userID]; ok {
		return true, nil
	}
	if r.pending != nil {
		if _, ok := r.pending.accounts[userID]; ok {
			return true, nil
		}
	}

	return false, nil
}

func (r *reader) Entry(_ context.Context, id uuid.UUID) (ledger.Entry, error) {
	defer r.rlock()()

	e, ok := r.lookup(id)
	if !ok {
		return ledger.Entry{}, fmt.Errorf("entry %s: %w", id, entries.ErrNotFound)
	}

	return cloneEntry(e), nil
}

func (r *reader) EntriesByUser(_ context.Context, userID string) ([]ledger.Entry, error) {
	defer r.rlock()()

	return r.collect(r.s.byUser[userID], func(e ledger.Entry) bool { return e.UserID == userID }), nil
}

func (r *reader) EntriesByOrigin(_ context.Context, originID string) ([]ledger.Entry, error) {
	defer r.rlock()()

	return r.collect(r.s.byOrigin[originID], func(e ledger.Entry) bool { return e.OriginID == originID }), nil
}

func (r *reader) OpenCredits(_ context.Context, userID string) ([]ledger.Candidate, error) {
	defer r.rlock()()

	var out []ledger.Candidate
	for _, e := range r.collect(r.s.byUser[userID], func(e ledger.Entry) bool { return e.UserID == userID }) {
		if !e.IsCredit() {
			continue
		}

		left := e.Magnitude() - r.taken(e.ID)
		if left > 0 {
			e.ParentLinks = nil
			out = append(out, ledger.Candidate{Entry: e, Remaining: left})
		}
	}

	return out, nil
}

func (r *reader) Remaining(_ context.Context, entryID uuid.UUID) (int64, error) {
	defer r.rlock()()

	e, ok := r.lookup(entryID)
	if !ok {
		return 0, fmt.Errorf("entry %s: %w", entryID, entries.ErrNotFound)
	}
	if !e.IsCredit() {
		return 0, nil
	}

	return e.Magnitude() - r.taken(entryID), nil
}

func (r *reader) Consumers(_ context.Context, parentID uuid.UUID) ([]ledger.Consumer, error) {
	defer r.rlock()()

	out := append([]ledger.Consumer(nil), r.s.consumers[parentID]...)
	if r.pending != nil {
		for _, e := range r.pending.entries {
			if !e.IsDebit() {
				continue
			}
			for _, l := range e.ParentLinks {
				if l.ParentID == parentID {
					out = append(out, ledger.Consumer{EntryID: e.ID, CreatedAt: e.CreatedAt, PointsTaken: l.PointsTaken})
				}
			}
		}
	}

	return out, nil
}

func (r *reader) Idempotency(_ context.Context, scope, key string) (entries.IdempotencyRecord, error) {
	defer r.rlock()()

	k := keyOf(scope, key)
	if r.pending != nil {
		if rec, ok := r.pending.keys[k]; ok {
			return rec, nil
		}
	}

	rec, ok := r.s.keys[k]
	if !ok {
		return entries.IdempotencyRecord{}, entries.ErrNotFound
	}

	return rec, nil
}

// lookup, collect and taken expect the read lock to be held.

func (r *reader) lookup(id uuid.UUID) (ledger.Entry, bool) {
	if e, ok := r.s.entries[id]; ok {
		return e, true
	}
	if r.pending != nil {
		return r.pending.entry(id)
	}

	return ledger.Entry{}, false
}

func (r *reader) collect(ids []uuid.UUID, match func(ledger.Entry) bool) []ledger.Entry {
	out := make([]ledger.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneEntry(r.s.entries[id]))
	}

	if r.pending != nil {
		for _, e := range r.pending.entries {
			if match(e) {
				out = append(out, cloneEntry(e))
			}
		}
	}

	sortEntries(out)

	return out
}

func (r *reader) taken(parentID uuid.UUID) int64 {
	sum := r.s.consumed[parentID]
	if r.pending == nil {
		return sum
	}

	for _, e := range r.pending.entries {
		if !e.IsDebit() {
			continue
		}
		for _, l := range e.ParentLinks {
			if l.ParentID == parentID {
				sum += l.PointsTaken
			}
		}
	}

	return sum
}
