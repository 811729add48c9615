package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/groupchat/backend/internal/storage/models"
)

func parseAccountType(s string) (models.AccountType, error) {
	t := models.AccountType(s)
	switch t {
	case models.AccountQueryBudget, models.AccountContributor, models.AccountPlatform, models.AccountReferrer:
		return t, nil
	}
	return "", fmt.Errorf("unknown account type %q", s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newBalanceCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-type> <account-id>",
		Short: "Print the balance of a ledger account in cents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountType, err := parseAccountType(args[0])
			if err != nil {
				return err
			}
			store, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			balance, err := store.AccountBalance(commandContext(cmd), accountType, args[1])
			if err != nil {
				return err
			}
			result := map[string]any{
				"account_type":  accountType,
				"account_id":    args[1],
				"balance_cents": balance,
			}
			return rootOpts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "%s:%s %d\n", accountType, args[1], balance)
			})
		},
	}
}

func newHistoryCommand(rootOpts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <account-type> <account-id>",
		Short: "List the most recent ledger entries of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountType, err := parseAccountType(args[0])
			if err != nil {
				return err
			}
			store, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.AccountHistory(commandContext(cmd), accountType, args[1], limit)
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tQUERY\tAMOUNT\tMEMO")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.QueryID, e.AmountCents, e.Memo)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	return cmd
}

func newVerifyLedgerCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-ledger",
		Short: "Check that every ledger transaction sums to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			unbalanced, err := store.VerifyLedger(commandContext(cmd))
			if err != nil {
				return err
			}
			result := map[string]any{"balanced": len(unbalanced) == 0, "unbalanced": unbalanced}
			if err := rootOpts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				if len(unbalanced) == 0 {
					fmt.Fprintln(w, "ledger balanced")
					return
				}
				for _, id := range unbalanced {
					fmt.Fprintf(w, "unbalanced transaction %s\n", id)
				}
			}); err != nil {
				return err
			}
			if len(unbalanced) > 0 {
				return fmt.Errorf("%d unbalanced transactions", len(unbalanced))
			}
			return nil
		},
	}
}
