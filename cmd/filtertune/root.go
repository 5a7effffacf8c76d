package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/filtertune/internal/config"
)

// annotationNoConfig marks commands that run without loading configuration
const annotationNoConfig = "filtertune/no-config"

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"log-level":    "app.log_level",
	"log-format":   "app.log_format",
	"duration":     "optimizer.time_budget",
	"target":       "optimizer.target_score",
	"seed":         "optimizer.seed",
	"runs":         "chain.runs",
	"run-duration": "chain.run_duration",
	"baseline":     "baseline_file",
	"base-url":     "api.base_url",
	"metrics-port": "monitoring.prometheus_port",
	"control-port": "control.port",
}

// app is the state shared by every command
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "filtertune",
		Short:         "Search filter configurations against a remote backtester",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[annotationNoConfig] == "true" {
				return nil
			}
			return a.load(cmd.Flags())
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./configs/filtertune.yaml or ./filtertune.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (json or console)")

	root.AddCommand(
		newOptimizeCmd(a),
		newChainCmd(a),
		newRulesCmd(),
		newCheckCmd(a),
		newWatchCmd(a),
	)
	return root
}

// load binds changed flags over the configuration and initializes logging
func (a *app) load(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.LoadWith(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	return nil
}
