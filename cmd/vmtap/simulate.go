package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/vmtap/internal/app"
	"github.com/dshills/vmtap/internal/event"
)

type simulateFlags struct {
	config      string
	scripts     []string
	threads     int
	metricsAddr string
}

func newSimulateCmd() *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the simulated runtime with agents attached",
		Long: `Boot a simulated runtime through its lifecycle phases, run its platform
and virtual threads, and print per-observer delivery counts.

Configuration is read from --config (TOML or YAML) and VMTAP_* environment
variables; flags override both.`,
		Example: `  vmtap simulate --script agents/breakpoints.lua
  vmtap simulate -c vmtap.toml --threads 8 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "", "path to configuration file")
	flags.StringArrayVarP(&f.scripts, "script", "s", nil, "agent script to attach (repeatable)")
	flags.IntVar(&f.threads, "threads", 0, "number of simulated platform threads")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runSimulate(cmd *cobra.Command, f simulateFlags) error {
	if f.threads < 0 {
		return fmt.Errorf("--threads must not be negative")
	}
	a, err := app.New(app.Options{
		ConfigPath:  f.config,
		Scripts:     f.scripts,
		Threads:     f.threads,
		MetricsAddr: f.metricsAddr,
	})
	if err != nil {
		return err
	}

	res, err := a.Run(cmd.Context())
	if res != nil {
		if werr := writeResult(cmd.OutOrStdout(), res); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func writeResult(w io.Writer, res *app.Result) error {
	rep := res.Report
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "threads\t%d platform, %d virtual\n", rep.Threads, rep.VirtualThreads)
	fmt.Fprintf(tw, "ops\t%d\n", rep.Ops)
	fmt.Fprintf(tw, "collections\t%d (%d objects freed)\n", rep.Collections, rep.ObjectsFreed)
	fmt.Fprintf(tw, "classes\t%d loaded, %d unloaded\n", rep.ClassesLoaded, rep.ClassesUnloaded)
	fmt.Fprintf(tw, "compiled\t%d methods\n", rep.MethodsCompiled)
	fmt.Fprintf(tw, "events\t%d posted, %d delivered, %d deferred\n", res.Stats.Posted, res.Stats.Delivered, res.Stats.Deferred)
	fmt.Fprintf(tw, "elapsed\t%s\n", rep.Elapsed.Round(time.Microsecond))

	for _, o := range res.Observers {
		fmt.Fprintf(tw, "\nobserver %s\t%s\n", o.Name, o.ID)
		if o.Calls > 0 || o.Errors > 0 {
			fmt.Fprintf(tw, "  handler calls\t%d (%d failed)\n", o.Calls, o.Errors)
		}
		kinds := make([]event.Kind, 0, len(o.Deliveries))
		for k := range o.Deliveries {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(tw, "  %s\t%d\n", k, o.Deliveries[k])
		}
	}
	return tw.Flush()
}
