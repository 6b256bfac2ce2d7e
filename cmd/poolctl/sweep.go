package main

import (
	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of a background sweeper",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "Check every idle container and remove unhealthy ones",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				report := opts.app.health.Sweep(cmd.Context())
				if opts.asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printf(cmd, "checked %d: %d healthy, %d unhealthy\n", report.Checked, report.Healthy, report.Unhealthy)
				for _, name := range report.Removed {
					printf(cmd, "removed %s\n", name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "scale",
			Short: "Evict containers idle for longer than the idle timeout",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n := opts.app.scaler.Sweep(cmd.Context())
				if opts.asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"evicted": n})
				}
				printf(cmd, "evicted %d idle container(s)\n", n)
				return nil
			},
		},
	)
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Adopt running workers and drop stale pool entries",
		Long: "reconcile rebuilds the pool state from the containers that are actually running.\n" +
			"Do not run it while a server on the same host is acquiring containers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := opts.app.reconciler.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printf(cmd, "found %d worker(s), adopted %d, skipped %d, removed %d, pruned %d\n",
				report.Found, len(report.Adopted), report.Skipped, len(report.Removed), len(report.Pruned))
			return nil
		},
	}
}
