package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmtap",
		Short: "vmtap - instrumentation event dispatch for a managed runtime",
		Long: `vmtap routes runtime instrumentation events (method entry, breakpoints,
class loading, garbage collection and more) to registered observers,
honoring lifecycle phases, capabilities and per-thread enablement.

Observers are Lua agents. The simulate command boots a simulated runtime,
attaches the agents and reports what each of them received.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSimulateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vmtap %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
