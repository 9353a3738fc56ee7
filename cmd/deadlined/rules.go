package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/deadlined/internal/extraction"
)

func newRulesCmd(g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the pattern rules in effect",
		Long: `Print the pattern rules as YAML. Save the output, edit it and pass
it back with 'scan --rules' or extraction.rules_file to customize detection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules := extraction.DefaultRules()
			if file != "" {
				var err error
				if rules, err = extraction.LoadRules(file); err != nil {
					return err
				}
			}
			// Compile to report bad patterns before printing.
			if _, err := extraction.NewPatternExtractor(extraction.PatternConfig{Rules: rules}); err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), rules)
			}
			data, err := extraction.EncodeRules(rules)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "load rules from this YAML or TOML file instead of the defaults")
	return cmd
}
