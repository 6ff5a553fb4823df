// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wumode/mitmpilot-core/clashexport"
	"github.com/wumode/mitmpilot-core/rctx"
)

func newRulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and export the aggregated Clash rule set",
	}
	rules.AddCommand(newRulesExportCmd())
	return rules
}

func newRulesExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every running addon's Clash rules as a rule-provider YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rctx.New(rctx.Config{})
			doc, err := clashexport.Export(c.Addons.Instances())
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(doc)
				return err
			}
			return os.WriteFile(outPath, doc, 0o644)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to this file instead of stdout")
	return cmd
}
