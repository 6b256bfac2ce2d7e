package main

import (
	"errors"
	"maps"

	"agentfleet/internal/tenant"

	"github.com/spf13/cobra"
)

var errNoTenantStore = errors.New("tenant configuration needs POSTGRES_ADDR")

func newTenantCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant and agent worker configuration",
	}
	cmd.AddCommand(newTenantSetCmd(opts), newAgentSetCmd(opts))
	return cmd
}

func newTenantSetCmd(opts *rootOptions) *cobra.Command {
	t := &tenant.Tenant{}
	cmd := &cobra.Command{
		Use:   "set <tenant>",
		Short: "Create or update a tenant's tier and realtime credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.app.tenants == nil {
				return errNoTenantStore
			}
			t.ID = args[0]
			if err := opts.app.tenants.SaveTenant(cmd.Context(), t); err != nil {
				return err
			}
			printf(cmd, "tenant %s saved\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&t.Tier, "tier", "", "resource tier")
	cmd.Flags().StringVar(&t.RealtimeURL, "realtime-url", "", "realtime backend URL")
	cmd.Flags().StringVar(&t.RealtimeAPIKey, "realtime-api-key", "", "realtime backend API key")
	cmd.Flags().StringVar(&t.RealtimeAPISecret, "realtime-api-secret", "", "realtime backend API secret")
	return cmd
}

func newAgentSetCmd(opts *rootOptions) *cobra.Command {
	var (
		image string
		env   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "agent <tenant> <agent>",
		Short: "Create or update an agent's worker image and environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.app.tenants == nil {
				return errNoTenantStore
			}
			a := &tenant.Agent{
				ID:       args[1],
				TenantID: args[0],
				Image:    image,
				Env:      maps.Clone(env),
			}
			if err := opts.app.tenants.SaveAgent(cmd.Context(), a); err != nil {
				return err
			}
			printf(cmd, "agent %s/%s saved\n", a.TenantID, a.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "worker image, empty for the platform default")
	cmd.Flags().StringToStringVar(&env, "env", nil, "extra environment, KEY=VALUE")
	return cmd
}
