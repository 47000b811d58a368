// Package cli is the operator command tree for inspecting and auditing the
// ledger. Every command is read-only.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Ledger is the read surface the commands use.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetRemaining(ctx context.Context, entryID uuid.UUID) (int64, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (ledger.Entry, error)
	History(ctx context.Context, userID string) ([]ledger.Entry, error)
	EntriesByOrigin(ctx context.Context, originID string) ([]ledger.Entry, error)
	TraceAmount(ctx context.Context, userID string, amount int64) (ledger.TraceResult, error)
	TraceEntry(ctx context.Context, entryID uuid.UUID) (ledger.TraceResult, error)
	SummaryByOrigin(ctx context.Context, userID string) ([]ledger.OriginSummary, error)
	Reconcile(ctx context.Context, userID string) (points.Reconciliation, error)
}

// Opener connects to the ledger. The returned close func releases whatever
// it opened.
type Opener func(ctx context.Context) (Ledger, func(context.Context) error, error)

// ErrInconsistent is returned by reconcile when any account diverges.
var ErrInconsistent = errors.New("ledger inconsistent")

type app struct {
	open   Opener
	ledger Ledger
	close  func(context.Context) error
	pretty bool
}

// NewRootCmd builds the ledgerctl command tree. The ledger is opened lazily
// so help and flag errors never touch storage.
func NewRootCmd(open Opener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and audit the points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			l, closeFn, err := a.open(cmd.Context())
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}

			a.ledger, a.close = l, closeFn

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.close == nil {
				return nil
			}

			return a.close(cmd.Context())
		},
	}

	root.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "indent JSON output")

	root.AddCommand(
		a.balanceCmd(),
		a.remainingCmd(),
		a.entryCmd(),
		a.historyCmd(),
		a.originCmd(),
		a.traceEntryCmd(),
		a.traceAmountCmd(),
		a.summaryCmd(),
		a.reconcileCmd(),
	)

	return root
}

func (a *app) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if a.pretty {
		enc.SetIndent("", "  ")
	}

	err := enc.Encode(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}

func parseEntryID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not an entry id", ledger.ErrEntryNotFound, raw)
	}

	return id, nil
}

func parseAmount(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}

	return n, nil
}
