package entries

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fastprodman/pointsledger/internal/infra/pgtestutil"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(t *testing.T, user string, points int64, origin ledger.OriginType, at time.Time, links ...ledger.ParentLink) ledger.Entry {
	t.Helper()

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}

	return ledger.Entry{
		ID:          id,
		UserID:      user,
		Points:      points,
		OriginType:  origin,
		OriginID:    "o-" + id.String()[:8],
		ParentLinks: links,
		CreatedAt:   at,
	}
}

// appendAll creates the accounts it needs and appends list in one unit.
func appendAll(t *testing.T, s *Store, list ...ledger.Entry) {
	t.Helper()

	err := s.Update(t.Context(), func(ctx context.Context, tx entries.Tx) error {
		for _, e := range list {
			if err := tx.EnsureAccount(ctx, e.UserID); err != nil {
				return err
			}
			if _, err := tx.LockAccount(ctx, e.UserID); err != nil {
				return err
			}
			if err := tx.Append(ctx, e); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestStore_AppendAndRead(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	s := New(db)

	purchase := newEntry(t, "u", 100, ledger.OriginPurchaseEarned, t0)
	bonus := newEntry(t, "u", 50, ledger.OriginCampaignBonus, t0.Add(time.Minute))
	red := newEntry(t, "u", -120, ledger.OriginRedemption, t0.Add(2*time.Minute),
		ledger.ParentLink{ParentID: purchase.ID, PointsTaken: 100},
		ledger.ParentLink{ParentID: bonus.ID, PointsTaken: 20},
	)

	appendAll(t, s, purchase, bonus, red)

	err := s.View(t.Context(), func(ctx context.Context, r entries.Reader) error {
		bal, err := r.Balance(ctx, "u")
		if err != nil {
			return err
		}
		sum, err := r.SumEntries(ctx, "u")
		if err != nil {
			return err
		}
		if bal != 30 || sum != 30 {
			t.Fatalf("balance %d, sum %d, want 30", bal, sum)
		}

		left, err := r.Remaining(ctx, bonus.ID)
		if err != nil {
			return err
		}
		if left != 30 {
			t.Fatalf("bonus remaining: want 30, got %d", left)
		}

		open, err := r.OpenCredits(ctx, "u")
		if err != nil {
			return err
		}
		if len(open) != 1 || open[0].Entry.ID != bonus.ID || open[0].Remaining != 30 {
			t.Fatalf("unexpected open credits: %+v", open)
		}

		got, err := r.Entry(ctx, red.ID)
		if err != nil {
			return err
		}
		if len(got.ParentLinks) != 2 || got.ParentLinks[0].ParentID != purchase.ID || got.ParentLinks[1].PointsTaken != 20 {
			t.Fatalf("links not preserved in order: %+v", got.ParentLinks)
		}
		if !got.CreatedAt.Equal(red.CreatedAt) {
			t.Fatalf("created_at: want %v, got %v", red.CreatedAt, got.CreatedAt)
		}

		cons, err := r.Consumers(ctx, bonus.ID)
		if err != nil {
			return err
		}
		if len(cons) != 1 || cons[0].EntryID != red.ID || cons[0].PointsTaken != 20 {
			t.Fatalf("unexpected consumers: %+v", cons)
		}

		hist, err := r.EntriesByUser(ctx, "u")
		if err != nil {
			return err
		}
		if len(hist) != 3 || hist[2].ID != red.ID || len(hist[2].ParentLinks) != 2 {
			t.Fatalf("unexpected history: %+v", hist)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStore_TransferInDoesNotConsume(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	s := New(db)

	bonus := newEntry(t, "u", 50, ledger.OriginCampaignBonus, t0)
	out := newEntry(t, "u", -20, ledger.OriginTransferOut, t0.Add(time.Second),
		ledger.ParentLink{ParentID: bonus.ID, PointsTaken: 20})
	in := newEntry(t, "v", 20, ledger.OriginTransferIn, t0.Add(time.Second),
		ledger.ParentLink{ParentID: bonus.ID, PointsTaken: 20})
	in.OriginID = out.OriginID
	in.CounterpartID = &out.ID

	appendAll(t, s, bonus, out, in)

	err := s.View(t.Context(), func(ctx context.Context, r entries.Reader) error {
		left, err := r.Remaining(ctx, bonus.ID)
		if err != nil {
			return err
		}
		if left != 30 {
			t.Fatalf("bonus remaining: want 30, got %d", left)
		}

		open, err := r.OpenCredits(ctx, "v")
		if err != nil {
			return err
		}
		if len(open) != 1 || open[0].Remaining != 20 || open[0].Entry.CounterpartID == nil || *open[0].Entry.CounterpartID != out.ID {
			t.Fatalf("unexpected open credits for v: %+v", open)
		}

		byOrigin, err := r.EntriesByOrigin(ctx, out.OriginID)
		if err != nil {
			return err
		}
		if len(byOrigin) != 2 {
			t.Fatalf("want both transfer legs, got %d", len(byOrigin))
		}

		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStore_Errors_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		run     func(ctx context.Context, tx entries.Tx) error
		wantErr error
	}{
		{
			name: "lock_missing_account",
			run: func(ctx context.Context, tx entries.Tx) error {
				_, err := tx.LockAccount(ctx, "ghost")
				return err
			},
			wantErr: entries.ErrNotFound,
		},
		{
			name: "missing_entry",
			run: func(ctx context.Context, tx entries.Tx) error {
				_, err := tx.Entry(ctx, uuid.New())
				return err
			},
			wantErr: entries.ErrNotFound,
		},
		{
			name: "missing_idempotency_key",
			run: func(ctx context.Context, tx entries.Tx) error {
				_, err := tx.Idempotency(ctx, "redemption", "k")
				return err
			},
			wantErr: entries.ErrNotFound,
		},
		{
			name: "negative_balance_rejected",
			run: func(ctx context.Context, tx entries.Tx) error {
				if err := tx.EnsureAccount(ctx, "u"); err != nil {
					return err
				}
				parent := newEntry(t, "u", 1, ledger.OriginAssignment, t0)
				if err := tx.Append(ctx, parent); err != nil {
					return err
				}
				e := newEntry(t, "u", -5, ledger.OriginRedemption, t0, ledger.ParentLink{ParentID: parent.ID, PointsTaken: 5})
				return tx.Append(ctx, e)
			},
			wantErr: ledger.ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, cleanup := pgtestutil.NewTestDB(t)
			defer cleanup()

			err := New(db).Update(t.Context(), tt.run)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	s := New(db)

	e := newEntry(t, "u", 10, ledger.OriginPurchaseEarned, t0)
	appendAll(t, s, e)

	rec := entries.IdempotencyRecord{
		Scope:     string(ledger.OriginPurchaseEarned),
		Key:       "k1",
		UserID:    "u",
		Points:    10,
		OriginID:  e.OriginID,
		EntryID:   e.ID,
		CreatedAt: t0,
	}

	save := func() error {
		return s.Update(t.Context(), func(ctx context.Context, tx entries.Tx) error {
			return tx.SaveIdempotency(ctx, rec)
		})
	}

	if err := save(); err != nil {
		t.Fatalf("first save: %v", err)
	}

	err := save()
	if !errors.Is(err, entries.ErrDuplicateKey) {
		t.Fatalf("want ErrDuplicateKey, got %v", err)
	}

	err = s.View(t.Context(), func(ctx context.Context, r entries.Reader) error {
		got, err := r.Idempotency(ctx, rec.Scope, rec.Key)
		if err != nil {
			return err
		}
		if got.EntryID != e.ID || got.Points != 10 || got.CounterEntryID != nil {
			t.Fatalf("unexpected record: %+v", got)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStore_AppendOnly(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	e := newEntry(t, "u", 10, ledger.OriginAssignment, t0)
	appendAll(t, New(db), e)

	_, err := db.Exec(`UPDATE ledger_entries SET points = 11 WHERE id = $1`, e.ID)
	if err == nil {
		t.Fatalf("update of a ledger entry must be rejected")
	}

	_, err = db.Exec(`DELETE FROM ledger_entries WHERE id = $1`, e.ID)
	if err == nil {
		t.Fatalf("delete of a ledger entry must be rejected")
	}
}

func TestStore_LockAccountSerializesWriters(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	s := New(db)

	credit := newEntry(t, "u", 1000, ledger.OriginPurchaseEarned, t0)
	appendAll(t, s, credit)

	var (
		wg                    sync.WaitGroup
		mu                    sync.Mutex
		success, insufficient int
	)

	worker := func(name string) {
		defer wg.Done()

		err := s.Update(context.Background(), func(ctx context.Context, tx entries.Tx) error {
			acc, err := tx.LockAccount(ctx, "u")
			if err != nil {
				return err
			}
			if acc.Balance < 1000 {
				return ledger.ErrInsufficientBalance
			}

			debit := newEntry(t, "u", -1000, ledger.OriginRedemption, t0.Add(time.Minute),
				ledger.ParentLink{ParentID: credit.ID, PointsTaken: 1000})

			return tx.Append(ctx, debit)
		})

		mu.Lock()
		defer mu.Unlock()

		switch {
		case err == nil:
			success++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			insufficient++
		default:
			t.Errorf("[%s] unexpected error: %v", name, err)
		}
	}

	wg.Add(2)
	go worker("A")
	go worker("B")
	wg.Wait()

	if success != 1 || insufficient != 1 {
		t.Fatalf("want 1 success and 1 insufficient, got success=%d insufficient=%d", success, insufficient)
	}
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	err := New(db).View(t.Context(), func(ctx context.Context, r entries.Reader) error {
		tx, ok := r.(entries.Tx)
		if !ok {
			return nil
		}

		return tx.EnsureAccount(ctx, "u")
	})
	if err == nil {
		t.Fatalf("writes inside View must fail")
	}

	var exists bool
	if err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = 'u')`).Scan(&exists); err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("check account: %v", err)
	}
	if exists {
		t.Fatalf("account created through a read-only view")
	}
}
