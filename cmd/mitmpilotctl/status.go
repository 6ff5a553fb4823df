// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wumode/mitmpilot-core/rctx"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the proxy master's run state and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rctx.New(rctx.Config{})
			fmt.Fprintf(cmd.OutOrStdout(), "proxy: %s\n", c.ProxyMaster.Status())
			fmt.Fprintln(cmd.OutOrStdout(), "scheduled jobs:")
			for _, j := range c.Scheduler.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-32s %-10s next=%s trigger=%s\n", j.ID, j.Status, j.NextRun.Format("2006-01-02T15:04:05"), j.Trigger)
			}
			return nil
		},
	}
}
