package cli

import (
	"fmt"
	"sync"

	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxReconcileWorkers bounds concurrent reconcile reads.
const maxReconcileWorkers = 8

func (a *app) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Print a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := a.ledger.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), map[string]any{"user_id": args[0], "balance": bal})
		},
	}
}

func (a *app) remainingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remaining ENTRY_ID",
		Short: "Print how many points of a credit are still unconsumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			left, err := a.ledger.GetRemaining(cmd.Context(), id)
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), map[string]any{"entry_id": id, "remaining": left})
		},
	}
}

func (a *app) entryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry ENTRY_ID",
		Short: "Print one entry with its parent links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			e, err := a.ledger.GetEntry(cmd.Context(), id)
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), e)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history USER_ID",
		Short: "List a user's entries, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.ledger.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), list)
		},
	}
}

func (a *app) originCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "origin ORIGIN_ID",
		Short: "List every entry tagged with an origin id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.ledger.EntriesByOrigin(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), list)
		},
	}
}

func (a *app) traceEntryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace-entry ENTRY_ID",
		Short: "Resolve an entry down to its root origins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			res, err := a.ledger.TraceEntry(cmd.Context(), id)
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) traceAmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace-amount USER_ID AMOUNT",
		Short: "Show where AMOUNT of a user's current points came from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}

			res, err := a.ledger.TraceAmount(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary USER_ID",
		Short: "Summarize a user's current points by root origin type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := a.ledger.SummaryByOrigin(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return a.print(cmd.OutOrStdout(), sum)
		},
	}
}

type reconcileReport struct {
	Accounts     []points.Reconciliation `json:"accounts"`
	Inconsistent []string                `json:"inconsistent"`
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile USER_ID...",
		Short: "Check that materialized balances match the entries",
		Long: `Compare each user's materialized balance with the sum of their entries
and with the remaining amounts of their open credits. Exits non-zero when
any account diverges.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report := reconcileReport{
				Accounts:     make([]points.Reconciliation, len(args)),
				Inconsistent: []string{},
			}

			var mu sync.Mutex

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(maxReconcileWorkers)

			for i, userID := range args {
				g.Go(func() error {
					rec, err := a.ledger.Reconcile(ctx, userID)
					if err != nil && ledger.Kind(err) != ledger.KindBalanceMismatch {
						return fmt.Errorf("reconcile %s: %w", userID, err)
					}

					report.Accounts[i] = rec
					if !rec.Consistent() {
						mu.Lock()
						report.Inconsistent = append(report.Inconsistent, userID)
						mu.Unlock()
					}

					return nil
				})
			}

			err := g.Wait()
			if err != nil {
				return err
			}

			err = a.print(cmd.OutOrStdout(), report)
			if err != nil {
				return err
			}

			if len(report.Inconsistent) > 0 {
				return fmt.Errorf("%w: %d of %d accounts", ErrInconsistent, len(report.Inconsistent), len(args))
			}

			return nil
		},
	}
}
