package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

func newRulesCmd() *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:         "rules",
		Short:       "Print the parameter table or the default baseline",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if defaults {
				return writeBaseline(cmd.OutOrStdout())
			}
			return writeRules(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "print the default baseline as YAML")
	return cmd
}

func writeRules(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSECTION\tFIELD\tKIND\tMIN\tMAX\tSTEP")
	for _, r := range filters.Rules() {
		if r.Numeric() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Name, r.Section, r.Field, r.Kind, num(r.Min), num(r.Max), num(r.Step))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t-\t-\n", r.Name, r.Section, r.Field, r.Kind)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Bound pairs (min <= max):")
	for _, p := range filters.Pairs() {
		fmt.Fprintf(out, "  %s <= %s\n", p.Min, p.Max)
	}
	return nil
}

func writeBaseline(out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(filters.DefaultBaseline()); err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	return enc.Close()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
