// Package points is the ledger's operation surface: the transaction
// coordinator (Credit, Debit, Redeem, Sell, Transfer), the balance accessor
// and the provenance tracer. Every caller, HTTP or CLI, goes through it.
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/pointsledger/internal/infra/metrics"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/google/uuid"
)

const defaultWriteTimeout = 5 * time.Second

type Service struct {
	store        entries.Store
	logger       *slog.Logger
	now          func() time.Time
	newID        func() (uuid.UUID, error)
	writeTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator replaces uuid.NewV7 for entry and transfer ids.
func WithIDGenerator(gen func() (uuid.UUID, error)) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

// WithWriteTimeout bounds every mutating operation. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.writeTimeout = d
	}
}

func New(store entries.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewV7,
		writeTimeout: defaultWriteTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// update runs fn as one unit of work under the write timeout. A lost race on
// an idempotency key is retried once, so the second run replays the winner.
func (s *Service) update(ctx context.Context, fn func(ctx context.Context, tx entries.Tx) error) error {
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	var err error

	for attempt := range 2 {
		err = s.store.Update(ctx, fn)
		if !errors.Is(err, entries.ErrDuplicateKey) {
			break
		}

		s.logger.DebugContext(ctx, "idempotency key race, retrying", "attempt", attempt+1)
	}

	return classify(err)
}

func (s *Service) view(ctx context.Context, fn func(ctx context.Context, r entries.Reader) error) error {
	return classify(s.store.View(ctx, fn))
}

// classify keeps domain errors as they are and reports everything else,
// timeouts included, as a retryable storage failure.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case ledger.IsBusinessRule(err),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrInvalidLinks),
		errors.Is(err, ledger.ErrBalanceMismatch):
		return err
	default:
		return fmt.Errorf("%w: %w", ledger.ErrStorageFailure, err)
	}
}

// timestamp returns the created_at for a user's next entry: now, but never
// at or before the user's previous entry.
func (s *Service) timestamp(last *time.Time) time.Time {
	at := s.now().UTC().Truncate(time.Microsecond)
	if last != nil && !at.After(*last) {
		at = last.Add(time.Microsecond)
	}

	return at
}

func (s *Service) id() (uuid.UUID, error) {
	id, err := s.newID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}

	return id, nil
}

// finish records metrics and logs the outcome of one operation.
func (s *Service) finish(ctx context.Context, op string, started time.Time, err error, attrs ...any) {
	kind := ledger.Kind(err)
	metrics.Observe(op, kind, started)

	if err == nil {
		return
	}

	attrs = append(attrs, "operation", op, "kind", kind, "error", err)

	if ledger.IsRetryable(err) || kind == ledger.KindInternal || kind == ledger.KindInvalidLinks {
		s.logger.ErrorContext(ctx, "ledger operation failed", attrs...)
		return
	}

	s.logger.DebugContext(ctx, "ledger operation rejected", attrs...)
}

// graph adapts a Reader to the tracer.
type graph struct{ r entries.Reader }

func (g graph) Entry(ctx context.Context, id uuid.UUID) (ledger.Entry, error) {
	e, err := g.r.Entry(ctx, id)
	if errors.Is(err, entries.ErrNotFound) {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}

	return e, err
}

func (g graph) Consumers(ctx context.Context, parentID uuid.UUID) ([]ledger.Consumer, error) {
	return g.r.Consumers(ctx, parentID)
}
