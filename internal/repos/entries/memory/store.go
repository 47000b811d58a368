// Package memory is an in-process ledger store with the same semantics as
// the Postgres one. Committed state sits behind a single RWMutex. Writers
// serialize per user through LockAccount, buffer their writes and publish
// them in one critical section on commit.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

var _ entries.Store = (*Store)(nil)

type account struct {
	balance int64
	last    *time.Time
}

type Store struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]ledger.Entry
	byUser    map[string][]uuid.UUID
	byOrigin  map[string][]uuid.UUID
	consumers map[uuid.UUID][]ledger.Consumer
	consumed  map[uuid.UUID]int64
	accounts  map[string]account
	keys      map[string]entries.IdempotencyRecord

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func New() *Store {
	return &Store{
		entries:   make(map[uuid.UUID]ledger.Entry),
		byUser:    make(map[string][]uuid.UUID),
		byOrigin:  make(map[string][]uuid.UUID),
		consumers: make(map[uuid.UUID][]ledger.Consumer),
		consumed:  make(map[uuid.UUID]int64),
		accounts:  make(map[string]account),
		keys:      make(map[string]entries.IdempotencyRecord),
		locks:     make(map[string]chan struct{}),
	}
}

// Update runs fn and publishes its writes if it returns nil. User locks
// taken by fn are released when Update returns.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx entries.Tx) error) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	tx := newTx(s)
	defer tx.release()

	err = fn(ctx, tx)
	if err != nil {
		return fmt.Errorf("fn: %w", err)
	}

	// a caller that gave up must not see its write land afterwards
	err = ctx.Err()
	if err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	err = s.commit(tx.pending)
	if err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// View runs fn with the committed state frozen for its whole duration.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r entries.Reader) error) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	err = fn(ctx, &reader{s: s, held: true})
	if err != nil {
		return fmt.Errorf("fn: %w", err)
	}

	return nil
}

// userLock returns the single-slot channel guarding userID.
func (s *Store) userLock(userID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[userID] = ch
	}

	return ch
}

func keyOf(scope, key string) string {
	return scope + "\x00" + key
}

// commit validates p against the current state and applies it atomically.
func (s *Store) commit(p *pending) error {
	if p.empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range p.keys {
		if _, ok := s.keys[k]; ok {
			return fmt.Errorf("key %s/%s: %w", rec.Scope, rec.Key, entries.ErrDuplicateKey)
		}
	}

	for user, d := range p.accounts {
		if s.accounts[user].balance+d.delta < 0 {
			return fmt.Errorf("%w: %s would go negative", ledger.ErrInsufficientBalance, user)
		}
	}

	taken := make(map[uuid.UUID]int64)
	for _, e := range p.entries {
		if _, dup := s.entries[e.ID]; dup {
			return fmt.Errorf("%w: entry %s already exists", ledger.ErrInvalidLinks, e.ID)
		}

		for _, l := range e.ParentLinks {
			parent, ok := s.entries[l.ParentID]
			if !ok {
				parent, ok = p.entry(l.ParentID)
			}
			if !ok {
				return fmt.Errorf("%w: parent %s of %s does not exist", ledger.ErrInvalidLinks, l.ParentID, e.ID)
			}

			if e.IsDebit() {
				taken[l.ParentID] += l.PointsTaken
				if s.consumed[l.ParentID]+taken[l.ParentID] > parent.Magnitude() {
					return fmt.Errorf("%w: parent %s over-consumed by %s", ledger.ErrInvalidLinks, l.ParentID, e.ID)
				}
			}
		}
	}

	for user, d := range p.accounts {
		acc := s.accounts[user]
		acc.balance += d.delta
		acc.last = laterOf(acc.last, d.last)
		s.accounts[user] = acc
	}

	for _, e := range p.entries {
		s.entries[e.ID] = e
		s.byUser[e.UserID] = append(s.byUser[e.UserID], e.ID)
		s.byOrigin[e.OriginID] = append(s.byOrigin[e.OriginID], e.ID)

		if !e.IsDebit() {
			continue
		}

		for _, l := range e.ParentLinks {
			s.consumers[l.ParentID] = append(s.consumers[l.ParentID], ledger.Consumer{
				EntryID:     e.ID,
				CreatedAt:   e.CreatedAt,
				PointsTaken: l.PointsTaken,
			})
			s.consumed[l.ParentID] += l.PointsTaken
		}
	}

	for k, rec := range p.keys {
		s.keys[k] = rec
	}

	return nil
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	e.ParentLinks = slices.Clone(e.ParentLinks)
	if e.CounterpartID != nil {
		id := *e.CounterpartID
		e.CounterpartID = &id
	}

	return e
}

func sortEntries(list []ledger.Entry) {
	slices.SortStableFunc(list, ledger.CompareEntries)
}
