package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/payflow/internal/audit"
	"github.com/smallbiznis/payflow/internal/catalog"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	"github.com/smallbiznis/payflow/internal/gateway"
	"github.com/smallbiznis/payflow/internal/identity"
	"github.com/smallbiznis/payflow/internal/providers"
	"github.com/smallbiznis/payflow/internal/purchase"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	"github.com/smallbiznis/payflow/internal/reconcile"
	"github.com/smallbiznis/payflow/internal/scheduler"
	"github.com/smallbiznis/payflow/internal/settings"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify pending purchases against the payment gateway",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single pending-purchase reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			return runWithApp(cmd.Context(), func(ctx context.Context) error {
				if err := sched.RunOnce(ctx); err != nil {
					return fmt.Errorf("reconcile pass: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "reconcile pass finished")
				return nil
			},
				identity.Module,
				catalog.Module,
				settings.Module,
				audit.Module,
				gateway.Module,
				purchase.Module,
				reconcile.Module,
				fulfillment.Module,
				providers.Module,
				ratelimit.Module,
				scheduler.Module,
				fx.Populate(&sched),
			)
		},
	})

	return cmd
}
