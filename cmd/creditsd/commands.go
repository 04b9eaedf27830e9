package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/sweep"
	"github.com/xraph/credits/types"
)

func init() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, depositCmd, balanceCmd, pricingCmd)
	pricingCmd.AddCommand(pricingSetCmd)

	depositCmd.Flags().StringToString("meta", nil, "Metadata to attach, e.g. --meta order_id=ord_1")
	pricingSetCmd.Flags().String("label", "", "Human-readable label for the action")
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck // best-effort

		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		if err := a.seedPricing(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", a.cfg.Store.Driver)
		return nil
	},
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Refund stale reservations once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck // best-effort

		sw, err := sweep.New(a.ledger, sweep.Config{
			Schedule:  a.cfg.Sweep.Schedule,
			TTL:       a.cfg.Sweep.TTL,
			BatchSize: a.cfg.Sweep.BatchSize,
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		report, err := sw.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d failed=%d\n",
			report.Scanned, report.Expired, report.Failed)
		return nil
	},
}

// ─── deposit ────────────────────────────────────────────────────────────────

var depositCmd = &cobra.Command{
	Use:   "deposit ACCOUNT AMOUNT",
	Short: "Add purchased credits to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := types.ParseCredits(args[1])
		if err != nil {
			return err
		}
		meta, _ := cmd.Flags().GetStringToString("meta") //nolint:errcheck // flag is registered above

		a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck // best-effort

		metadata := map[string]any{"source": "cli"}
		for k, v := range meta {
			metadata[k] = v
		}
		txn, err := a.ledger.Deposit(cmd.Context(), args[0], amount, metadata)
		if err != nil {
			return err
		}
		return printJSON(cmd, txn)
	},
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT",
	Short: "Show an account's wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck // best-effort

		w, err := a.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account:   %s\ntotal:     %s\nreserved:  %s\navailable: %s\n",
			w.AccountID, w.Total, w.Reserved, w.Available())
		return nil
	},
}

// ─── pricing ────────────────────────────────────────────────────────────────

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage the action price catalogue",
}

var pricingSetCmd = &cobra.Command{
	Use:   "set AGENT ACTION COST",
	Short: "Set the cost of an agent action (use * as AGENT for every agent)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, err := types.ParseCredits(args[2])
		if err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("label") //nolint:errcheck // flag is registered above

		a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck // best-effort

		if err := pricing.Seed(cmd.Context(), a.store, args[0], args[1], label, cost); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s now costs %s (resolves to %s)\n",
			args[0], args[1], cost, a.resolver.Resolve(cmd.Context(), args[0], args[1], nil))
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
