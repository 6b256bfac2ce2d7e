package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	asJSON  bool
	verbose bool
	app     *app
}

func newRootCmd(load appLoader) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "poolctl",
		Short:         "Inspect and maintain per-tenant agent worker pools",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd.Context(), opts.verbose)
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.app != nil && opts.app.close != nil {
				opts.app.close()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print machine readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newCleanupCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
		newTenantCmd(opts),
	)
	return rootCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
