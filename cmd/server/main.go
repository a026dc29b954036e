package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chainshare",
		Short:        "ChainShare chat, purchase and settlement backend",
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers (default)",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run one deposit reconciliation pass and exit",
		RunE:  runReconcile,
	})
	root.AddCommand(&cobra.Command{
		Use:   "reset-sessions",
		Short: "Clear expired session credentials and exit",
		RunE:  runResetSessions,
	})
	return root
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.reconciler == nil {
		return errors.New("HEDERA_OPERATOR_ID is not set; nothing to reconcile")
	}
	if err := a.rates.Refresh(cmd.Context()); err != nil {
		return fmt.Errorf("failed to fetch exchange rate: %w", err)
	}
	credited, err := a.reconciler.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "credited %d transfer(s)\n", credited)
	return nil
}

func runResetSessions(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	cleared, err := a.sessions.ResetExpired(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %d expired session(s)\n", cleared)
	return nil
}
