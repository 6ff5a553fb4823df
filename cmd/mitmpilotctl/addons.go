// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wumode/mitmpilot-core/rctx"
)

func newAddonsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addons",
		Short: "List discovered addons and their lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rctx.New(rctx.Config{})
			ids := c.Addons.Snapshot()
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no addons discovered")
				return nil
			}
			for _, id := range ids {
				state, _ := c.Addons.State(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", id, state)
			}
			return nil
		},
	}
}
