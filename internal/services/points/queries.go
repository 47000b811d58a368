package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

// GetBalance returns the user's balance; an unknown user has balance zero.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		balance, err = r.Balance(ctx, userID)
		if err != nil {
			return fmt.Errorf("get balance: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// GetRemaining returns how much of a credit entry is still unconsumed. It is
// zero for debits.
func (s *Service) GetRemaining(ctx context.Context, entryID uuid.UUID) (int64, error) {
	var remaining int64

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		remaining, err = r.Remaining(ctx, entryID)
		if err != nil {
			return notFound(err, entryID)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (ledger.Entry, error) {
	var e ledger.Entry

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		e, err = r.Entry(ctx, entryID)
		if err != nil {
			return notFound(err, entryID)
		}

		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	return e, nil
}

// History returns every entry of the user, oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]ledger.Entry, error) {
	var list []ledger.Entry

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		list, err = r.EntriesByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("entries by user: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if list == nil {
		list = []ledger.Entry{}
	}

	return list, nil
}

// EntriesByOrigin returns every entry tagged with originID, both legs of a
// transfer included.
func (s *Service) EntriesByOrigin(ctx context.Context, originID string) ([]ledger.Entry, error) {
	var list []ledger.Entry

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		list, err = r.EntriesByOrigin(ctx, originID)
		if err != nil {
			return fmt.Errorf("entries by origin: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if list == nil {
		list = []ledger.Entry{}
	}

	return list, nil
}

// TraceAmount answers where amount of the user's current points came from,
// running the allocator read-only.
func (s *Service) TraceAmount(ctx context.Context, userID string, amount int64) (ledger.TraceResult, error) {
	started := time.Now()

	var res ledger.TraceResult

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		open, err := r.OpenCredits(ctx, userID)
		if err != nil {
			return fmt.Errorf("open credits: %w", err)
		}

		res, err = ledger.NewTracer(graph{r: r}).TraceAmount(ctx, userID, open, amount)

		return err
	})
	s.finish(ctx, "trace_amount", started, err, "user_id", userID)

	if err != nil {
		return ledger.TraceResult{}, err
	}

	return res, nil
}

// TraceEntry expands one entry to its root sources.
func (s *Service) TraceEntry(ctx context.Context, entryID uuid.UUID) (ledger.TraceResult, error) {
	started := time.Now()

	var res ledger.TraceResult

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		e, err := r.Entry(ctx, entryID)
		if err != nil {
			return notFound(err, entryID)
		}

		res, err = ledger.NewTracer(graph{r: r}).TraceEntry(ctx, e)

		return err
	})
	s.finish(ctx, "trace_entry", started, err, "entry_id", entryID)

	if err != nil {
		return ledger.TraceResult{}, err
	}

	return res, nil
}

// SummaryByOrigin attributes the user's current points to root origin types,
// collapsing transfer hops. A user with nothing left gets an empty summary.
func (s *Service) SummaryByOrigin(ctx context.Context, userID string) ([]ledger.OriginSummary, error) {
	started := time.Now()

	summary := []ledger.OriginSummary{}

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		open, err := r.OpenCredits(ctx, userID)
		if err != nil {
			return fmt.Errorf("open credits: %w", err)
		}

		var held int64
		for _, c := range open {
			held += c.Remaining
		}

		if held == 0 {
			return nil
		}

		res, err := ledger.NewTracer(graph{r: r}).TraceAmount(ctx, userID, open, held)
		if err != nil {
			return err
		}

		summary = res.Summary

		return nil
	})
	s.finish(ctx, "summary_by_origin", started, err, "user_id", userID)

	if err != nil {
		return nil, err
	}

	return summary, nil
}

// Reconcile checks the materialized balance against the entry fold and the
// sum of open credits. On divergence it returns the figures together with
// ErrBalanceMismatch.
func (s *Service) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	rec := Reconciliation{UserID: userID}

	err := s.view(ctx, func(ctx context.Context, r entries.Reader) error {
		var err error

		rec.Balance, err = r.Balance(ctx, userID)
		if err != nil {
			return fmt.Errorf("get balance: %w", err)
		}

		rec.EntriesSum, err = r.SumEntries(ctx, userID)
		if err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}

		open, err := r.OpenCredits(ctx, userID)
		if err != nil {
			return fmt.Errorf("open credits: %w", err)
		}

		for _, c := range open {
			rec.OpenCredits += c.Remaining
		}

		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}

	rec.CheckedAt = s.now().UTC()

	if !rec.Consistent() {
		s.logger.ErrorContext(ctx, "balance mismatch",
			"user_id", userID,
			"balance", rec.Balance,
			"entries_sum", rec.EntriesSum,
			"open_credits", rec.OpenCredits,
		)

		return rec, fmt.Errorf("%w: %s balance %d, entries %d, open credits %d",
			ledger.ErrBalanceMismatch, userID, rec.Balance, rec.EntriesSum, rec.OpenCredits)
	}

	return rec, nil
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, entries.ErrNotFound) {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}

	return fmt.Errorf("entry %s: %w", id, err)
}
