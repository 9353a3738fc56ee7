package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

func newUsageCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show model spend recorded in the usage ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.load(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ledger, err := usage.Open(a.cfg.Model.UsageDB)
			if err != nil {
				return err
			}
			defer ledger.Close()

			totals, err := ledger.Totals(ctx)
			if err != nil {
				return err
			}
			if g.json {
				if totals == nil {
					totals = []usage.Totals{}
				}
				return writeJSON(cmd.OutOrStdout(), totals)
			}
			renderUsage(cmd.OutOrStdout(), totals)
			return nil
		},
	}
}
