package points

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/fastprodman/pointsledger/internal/infra/metrics"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

// Credit appends a root credit. The user's account is created on first use.
func (s *Service) Credit(ctx context.Context, m Movement) (ledger.Entry, error) {
	started := time.Now()

	e, err := s.credit(ctx, m)
	s.finish(ctx, opCredit, started, err, "user_id", m.UserID, "origin_type", m.OriginType)

	return e, err
}

// Debit removes points from the user, consuming the oldest open credits
// first. Only redemption and sale debits are accepted directly; transfers go
// through Transfer.
func (s *Service) Debit(ctx context.Context, m Movement) (ledger.Entry, error) {
	started := time.Now()

	e, err := s.debit(ctx, opDebit, m)
	s.finish(ctx, opDebit, started, err, "user_id", m.UserID, "origin_type", m.OriginType)

	return e, err
}

// Redeem is a Debit tagged redemption.
func (s *Service) Redeem(ctx context.Context, m Movement) (ledger.Entry, error) {
	started := time.Now()

	m.OriginType = ledger.OriginRedemption

	e, err := s.debit(ctx, opRedeem, m)
	s.finish(ctx, opRedeem, started, err, "user_id", m.UserID)

	return e, err
}

// Sell is a Debit tagged sale. It must only be called for a confirmed sale.
func (s *Service) Sell(ctx context.Context, m Movement) (ledger.Entry, error) {
	started := time.Now()

	m.OriginType = ledger.OriginSale

	e, err := s.debit(ctx, opSell, m)
	s.finish(ctx, opSell, started, err, "user_id", m.UserID)

	return e, err
}

// Transfer moves points between two users in one unit of work. The credit on
// the recipient carries the sender's parent links so tracing resolves to the
// original earning entries.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	started := time.Now()

	res, err := s.transfer(ctx, req)
	s.finish(ctx, opTransfer, started, err, "from_user_id", req.FromUserID, "to_user_id", req.ToUserID)

	return res, err
}

func (s *Service) credit(ctx context.Context, m Movement) (ledger.Entry, error) {
	if m.UserID == "" {
		return ledger.Entry{}, ledger.ErrUnknownUser
	}
	if m.Points <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, m.Points)
	}
	if !m.OriginType.IsRoot() {
		return ledger.Entry{}, fmt.Errorf("%w: %q cannot be credited directly", ledger.ErrInvalidOrigin, m.OriginType)
	}

	id, err := s.id()
	if err != nil {
		return ledger.Entry{}, classify(err)
	}

	var (
		out      ledger.Entry
		replayed bool
	)

	err = s.update(ctx, func(ctx context.Context, tx entries.Tx) error {
		scope := string(m.OriginType)
		want := fingerprint{userID: m.UserID, points: m.Points, originID: m.OriginID, checkOrigin: true}

		prev, found, err := replay(ctx, tx, scope, m.IdempotencyKey, want)
		if err != nil {
			return err
		}
		if found {
			out, replayed = prev.entry, true
			return nil
		}

		err = tx.EnsureAccount(ctx, m.UserID)
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		acc, err := tx.LockAccount(ctx, m.UserID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		err = checkHeadroom(acc, m.UserID, m.Points)
		if err != nil {
			return err
		}

		e := ledger.Entry{
			ID:         id,
			UserID:     m.UserID,
			Points:     m.Points,
			OriginType: m.OriginType,
			OriginID:   m.OriginID,
			CreatedAt:  s.timestamp(acc.LastEntryAt),
		}

		err = appendEntries(ctx, tx, e)
		if err != nil {
			return err
		}

		err = saveKey(ctx, tx, scope, m.IdempotencyKey, want, e, nil)
		if err != nil {
			return err
		}

		out = e

		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	s.committed(ctx, opCredit, replayed, out)

	return out, nil
}

func (s *Service) debit(ctx context.Context, op string, m Movement) (ledger.Entry, error) {
	if m.UserID == "" {
		return ledger.Entry{}, ledger.ErrUnknownUser
	}
	if m.Points <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, m.Points)
	}
	if m.OriginType != ledger.OriginRedemption && m.OriginType != ledger.OriginSale {
		return ledger.Entry{}, fmt.Errorf("%w: %q cannot be debited directly", ledger.ErrInvalidOrigin, m.OriginType)
	}

	id, err := s.id()
	if err != nil {
		return ledger.Entry{}, classify(err)
	}

	var (
		out      ledger.Entry
		replayed bool
	)

	err = s.update(ctx, func(ctx context.Context, tx entries.Tx) error {
		scope := string(m.OriginType)
		want := fingerprint{userID: m.UserID, points: m.Points, originID: m.OriginID, checkOrigin: true}

		prev, found, err := replay(ctx, tx, scope, m.IdempotencyKey, want)
		if err != nil {
			return err
		}
		if found {
			out, replayed = prev.entry, true
			return nil
		}

		acc, err := lockExisting(ctx, tx, m.UserID)
		if err != nil {
			return err
		}

		links, err := allocate(ctx, tx, m.UserID, m.Points)
		if err != nil {
			return err
		}

		e := ledger.Entry{
			ID:          id,
			UserID:      m.UserID,
			Points:      -m.Points,
			OriginType:  m.OriginType,
			OriginID:    m.OriginID,
			ParentLinks: links,
			CreatedAt:   s.timestamp(acc.LastEntryAt),
		}

		err = appendEntries(ctx, tx, e)
		if err != nil {
			return err
		}

		err = saveKey(ctx, tx, scope, m.IdempotencyKey, want, e, nil)
		if err != nil {
			return err
		}

		out = e

		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	s.committed(ctx, op, replayed, out)

	return out, nil
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.FromUserID == "" || req.ToUserID == "" {
		return TransferResult{}, ledger.ErrUnknownUser
	}
	if req.FromUserID == req.ToUserID {
		return TransferResult{}, fmt.Errorf("%w: %s", ledger.ErrSameUser, req.FromUserID)
	}
	if req.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, req.Amount)
	}

	outID, err := s.id()
	if err != nil {
		return TransferResult{}, classify(err)
	}

	inID, err := s.id()
	if err != nil {
		return TransferResult{}, classify(err)
	}

	transferID := req.TransferID
	if transferID == "" {
		generated, err := s.id()
		if err != nil {
			return TransferResult{}, classify(err)
		}

		transferID = generated.String()
	}

	var (
		res      TransferResult
		replayed bool
	)

	err = s.update(ctx, func(ctx context.Context, tx entries.Tx) error {
		want := fingerprint{
			userID:         req.FromUserID,
			counterpartyID: req.ToUserID,
			points:         req.Amount,
			originID:       req.TransferID,
			// a generated transfer id differs on every retry
			checkOrigin: req.TransferID != "",
		}

		prev, found, err := replay(ctx, tx, transferScope, req.IdempotencyKey, want)
		if err != nil {
			return err
		}
		if found {
			if prev.counter == nil {
				return fmt.Errorf("%w: transfer key %q has no credit leg", ledger.ErrInvalidLinks, req.IdempotencyKey)
			}

			res = TransferResult{TransferID: prev.entry.OriginID, Debit: prev.entry, Credit: *prev.counter}
			replayed = true

			return nil
		}

		err = tx.EnsureAccount(ctx, req.ToUserID)
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		// fixed global order so opposite transfers cannot deadlock
		users := []string{req.FromUserID, req.ToUserID}
		slices.Sort(users)

		accounts := make(map[string]entries.Account, 2)
		for _, u := range users {
			acc, err := lockExisting(ctx, tx, u)
			if err != nil {
				return err
			}

			accounts[u] = acc
		}

		err = checkHeadroom(accounts[req.ToUserID], req.ToUserID, req.Amount)
		if err != nil {
			return err
		}

		links, err := allocate(ctx, tx, req.FromUserID, req.Amount)
		if err != nil {
			return err
		}

		out := ledger.Entry{
			ID:          outID,
			UserID:      req.FromUserID,
			Points:      -req.Amount,
			OriginType:  ledger.OriginTransferOut,
			OriginID:    transferID,
			ParentLinks: links,
			CreatedAt:   s.timestamp(accounts[req.FromUserID].LastEntryAt),
		}

		inAt := s.timestamp(accounts[req.ToUserID].LastEntryAt)
		if inAt.Before(out.CreatedAt) {
			inAt = out.CreatedAt
		}

		in := ledger.Entry{
			ID:            inID,
			UserID:        req.ToUserID,
			Points:        req.Amount,
			OriginType:    ledger.OriginTransferIn,
			OriginID:      transferID,
			CounterpartID: &out.ID,
			ParentLinks:   slices.Clone(links),
			CreatedAt:     inAt,
		}

		err = appendEntries(ctx, tx, out, in)
		if err != nil {
			return err
		}

		want.originID = transferID

		err = saveKey(ctx, tx, transferScope, req.IdempotencyKey, want, out, &in)
		if err != nil {
			return err
		}

		res = TransferResult{TransferID: transferID, Debit: out, Credit: in}

		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	s.committed(ctx, opTransfer, replayed, res.Debit, res.Credit)

	return res, nil
}

// lockExisting takes the user's exclusivity scope. Debits never create users.
func lockExisting(ctx context.Context, tx entries.Tx, userID string) (entries.Account, error) {
	acc, err := tx.LockAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, entries.ErrNotFound) {
			return entries.Account{}, fmt.Errorf("%w: %s", ledger.ErrUnknownUser, userID)
		}

		return entries.Account{}, fmt.Errorf("lock account: %w", err)
	}

	return acc, nil
}

// checkHeadroom rejects a credit the balance column cannot hold.
func checkHeadroom(acc entries.Account, userID string, points int64) error {
	if acc.Balance > math.MaxInt64-points {
		return fmt.Errorf("%w: crediting %d would overflow the balance of %s", ledger.ErrInvalidAmount, points, userID)
	}

	return nil
}

// allocate picks the credits a debit of amount consumes. The caller holds
// the user's lock.
func allocate(ctx context.Context, tx entries.Tx, userID string, amount int64) ([]ledger.ParentLink, error) {
	open, err := tx.OpenCredits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("open credits: %w", err)
	}

	allocs, err := ledger.Allocate(open, amount)
	if err != nil {
		return nil, err
	}

	return ledger.Links(allocs), nil
}

func appendEntries(ctx context.Context, tx entries.Tx, list ...ledger.Entry) error {
	for _, e := range list {
		err := e.Validate()
		if err != nil {
			return fmt.Errorf("validate entry: %w", err)
		}

		err = tx.Append(ctx, e)
		if err != nil {
			return fmt.Errorf("append %s entry: %w", e.OriginType, err)
		}
	}

	return nil
}

// committed logs and counts a successful mutation.
func (s *Service) committed(ctx context.Context, op string, replayed bool, list ...ledger.Entry) {
	if replayed {
		metrics.IdempotentReplays.WithLabelValues(op).Inc()

		for _, e := range list {
			s.logger.InfoContext(ctx, "idempotent replay",
				"operation", op,
				"user_id", e.UserID,
				"entry_id", e.ID,
			)
		}

		return
	}

	for _, e := range list {
		metrics.PointsMoved.WithLabelValues(string(e.OriginType)).Add(float64(e.Magnitude()))

		s.logger.InfoContext(ctx, "ledger entry committed",
			"operation", op,
			"user_id", e.UserID,
			"entry_id", e.ID,
			"points", e.Points,
			"origin_type", e.OriginType,
			"origin_id", e.OriginID,
		)
	}
}

// fingerprint is the part of a request an idempotency key is bound to.
type fingerprint struct {
	userID         string
	counterpartyID string
	points         int64
	originID       string
	checkOrigin    bool
}

func (f fingerprint) matches(rec entries.IdempotencyRecord) bool {
	if rec.UserID != f.userID || rec.CounterpartyID != f.counterpartyID || rec.Points != f.points {
		return false
	}

	return !f.checkOrigin || rec.OriginID == f.originID
}

type previous struct {
	entry   ledger.Entry
	counter *ledger.Entry
}

// replay looks key up in scope. A hit with a different payload is an
// IdempotencyConflict.
func replay(ctx context.Context, tx entries.Tx, scope, key string, want fingerprint) (previous, bool, error) {
	if key == "" {
		return previous{}, false, nil
	}

	rec, err := tx.Idempotency(ctx, scope, key)
	if errors.Is(err, entries.ErrNotFound) {
		return previous{}, false, nil
	}
	if err != nil {
		return previous{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if !want.matches(rec) {
		return previous{}, false, fmt.Errorf("%w: key %q was used for %s %d points", ledger.ErrIdempotencyConflict, key, rec.UserID, rec.Points)
	}

	var prev previous

	prev.entry, err = tx.Entry(ctx, rec.EntryID)
	if err != nil {
		return previous{}, false, fmt.Errorf("load replayed entry: %w", err)
	}

	if rec.CounterEntryID != nil {
		counter, err := tx.Entry(ctx, *rec.CounterEntryID)
		if err != nil {
			return previous{}, false, fmt.Errorf("load replayed counter entry: %w", err)
		}

		prev.counter = &counter
	}

	return prev, true, nil
}

func saveKey(ctx context.Context, tx entries.Tx, scope, key string, f fingerprint, e ledger.Entry, counter *ledger.Entry) error {
	if key == "" {
		return nil
	}

	var counterID *uuid.UUID
	if counter != nil {
		counterID = &counter.ID
	}

	err := tx.SaveIdempotency(ctx, entries.IdempotencyRecord{
		Scope:          scope,
		Key:            key,
		UserID:         f.userID,
		CounterpartyID: f.counterpartyID,
		Points:         f.points,
		OriginID:       f.originID,
		EntryID:        e.ID,
		CounterEntryID: counterID,
		CreatedAt:      e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}

	return nil
}
