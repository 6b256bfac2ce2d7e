package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant>",
		Short: "Show idle and busy containers of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.app.manager.PoolStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}

			printf(cmd, "tenant %s: %d idle, %d busy\n", status.TenantID, status.IdleCount, status.BusyCount)
			if len(status.Containers) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tREUSE\tSESSION\tIDLE\tREADY")
			for _, c := range status.Containers {
				idle := "-"
				if !c.IdleSince.IsZero() {
					idle = time.Since(c.IdleSince).Truncate(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%t\n",
					c.Name, c.Status, c.ReuseCount, orDash(c.SessionID), idle, c.Ready)
			}
			return tw.Flush()
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <tenant>",
		Short: "Destroy every idle container of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.app.manager.CleanupTenantPool(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"tenant_id": args[0], "evicted": n})
			}
			printf(cmd, "evicted %d idle container(s) of %s\n", n, args[0])
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
