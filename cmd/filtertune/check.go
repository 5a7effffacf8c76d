package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/filtertune/internal/config"
)

func newCheckCmd(a *app) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe the stats service, Redis and NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := config.DefaultValidatorOptions()
			opts.VerifyConnectivity = !offline
			if err := config.NewValidator(a.cfg, opts).ValidateStartup(cmd.Context()); err != nil {
				return err
			}

			pins, err := a.cfg.PinSet()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (environment=%s, stats=%s, pins=%d)\n",
				a.cfg.App.Environment, a.cfg.API.BaseURL, len(pins))
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip connectivity checks")
	cmd.Flags().String("base-url", "", "stats service base URL")
	return cmd
}
