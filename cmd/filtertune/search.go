package main

import (
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
)

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.Float64("target", 0, "stop once this score is reached (0 disables)")
	f.Int64("seed", 0, "random seed (0 seeds from the clock)")
	f.String("baseline", "", "YAML file with the starting configuration")
	f.String("base-url", "", "stats service base URL")
	f.Int("metrics-port", 9100, "Prometheus metrics port")
	f.Int("control-port", 8081, "control API port")
	f.BoolVar(&opts.apply, "apply", false, "push the best configuration to the config source")
	f.StringVarP(&opts.output, "output", "o", "", "write the best configuration to this YAML file")
	f.StringVar(&opts.checkpoint, "checkpoint", "", "rewrite this YAML file on every improvement")
	f.BoolVar(&opts.json, "json", false, "print the report as JSON")
	f.BoolVar(&opts.verify, "verify", true, "check that the stats service, Redis and NATS answer before starting")
}

func newOptimizeCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one time-budgeted search from the baseline",
		Long: `Run one search: evaluate the baseline, then sweep, sample, apply
correlated moves, anneal and refine until the time budget or target score.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.execute(cmd.Context(), a.cfg.SingleRunSettings(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration("duration", optimizer.DefaultSettings().TimeBudget, "time budget of the run")
	addRunFlags(cmd, &opts)
	return cmd
}

func newChainCmd(a *app) *cobra.Command {
	var opts runOptions
	defaults := chain.DefaultSettings()
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Run several searches, each seeded with the best so far",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.execute(cmd.Context(), a.cfg.ChainSettings(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int("runs", defaults.Runs, "number of chained runs")
	cmd.Flags().Duration("run-duration", defaults.RunDuration, "time budget of each run")
	addRunFlags(cmd, &opts)
	return cmd
}
