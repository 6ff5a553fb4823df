// SPDX-License-Identifier: GPL-3.0-or-later

// Command mitmpilotctl is a local operator shell around the core types: each
// subcommand builds its own in-process composition root and prints from it,
// rather than talking to a REST surface or attaching to another running
// process (spec explicitly excludes an HTTP API; this is the dev/ops-facing
// alternative, see SPEC_FULL.md's domain stack table).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mitmpilotctl",
		Short: "Local operator shell around an in-process mitmpilot-core context",
	}
	root.AddCommand(newStatusCmd())
	root.AddCommand(newAddonsCmd())
	root.AddCommand(newRulesCmd())
	return root
}
