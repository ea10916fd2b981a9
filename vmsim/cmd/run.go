package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/browser"
	"github.com/sarchlab/akitavm/datarecording"
	"github.com/sarchlab/akitavm/mem/trace"
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/sarchlab/akitavm/monitoring"
	"github.com/sarchlab/akitavm/sim/hooking"
	"github.com/sarchlab/akitavm/vmsim/workload"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload and print a report.",
	Long: "`run` starts one goroutine per simulated thread. Each thread maps " +
		"a code segment, a data segment and a stack, then reads and writes " +
		"random addresses while the manager pages them in and out.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		return run(cmd, cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	d := workload.DefaultConfig()
	f := runCmd.Flags()

	f.Uint64("frames", d.Frames, "Number of physical frames.")
	f.Uint64("swap-slots", d.SwapSlots, "Number of page-sized swap slots.")
	f.String("swap-db", "", "Keep the swap device in this SQLite database.")
	f.Int("threads", d.Threads, "Number of user threads.")
	f.Uint64("code-pages", d.CodePages, "Read-only file pages per thread.")
	f.Uint64("data-pages", d.DataPages, "Writable file pages per thread.")
	f.Uint64("stack-pages", d.StackPages, "Stack pages each thread may touch.")
	f.Int("accesses", d.Accesses, "Accesses per thread.")
	f.Int64("seed", d.Seed, "Random seed.")
	f.Bool("wild-thread", false,
		"Make the last thread touch an unmapped address at the end.")
	f.String("record", "",
		"Record every paging event into this SQLite database.")
	f.Bool("trace", false, "Log every paging event to stderr.")
	f.StringSlice("trace-events", nil,
		"Only trace and record these events, e.g. SwapIn,FaultFatal.")
	f.Bool("verbose", false, "Log fatal faults and thread exits to stderr.")
	f.Bool("json", false, "Print the report as JSON.")
	f.Int("monitor-port", -1,
		"Serve the monitoring API on this port; 0 picks a free port.")
	f.Bool("open-browser", false, "Open the monitoring API in a browser.")
}

func configFromFlags(cmd *cobra.Command) (workload.Config, error) {
	f := cmd.Flags()
	cfg := workload.Config{}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error

	cfg.Frames, err = f.GetUint64("frames")
	collect(err)
	cfg.SwapSlots, err = f.GetUint64("swap-slots")
	collect(err)
	cfg.SwapDB, err = f.GetString("swap-db")
	collect(err)
	cfg.Threads, err = f.GetInt("threads")
	collect(err)
	cfg.CodePages, err = f.GetUint64("code-pages")
	collect(err)
	cfg.DataPages, err = f.GetUint64("data-pages")
	collect(err)
	cfg.StackPages, err = f.GetUint64("stack-pages")
	collect(err)
	cfg.Accesses, err = f.GetInt("accesses")
	collect(err)
	cfg.Seed, err = f.GetInt64("seed")
	collect(err)
	cfg.WildThread, err = f.GetBool("wild-thread")
	collect(err)

	if len(errs) > 0 {
		return cfg, errs[0]
	}

	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, cfg workload.Config) error {
	f := cmd.Flags()
	verbose, _ := f.GetBool("verbose")

	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.New(os.Stderr, "vmm: ", log.Lmicroseconds)
	}

	sys, err := workload.NewSystem(cfg, logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	closeRecorder, err := attachTracers(cmd, sys)
	if err != nil {
		return err
	}
	defer closeRecorder()

	progress := startMonitor(cmd, sys, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := workload.Run(ctx, sys, cfg, progress)
	if err != nil {
		return err
	}

	return printReport(cmd, report)
}

func attachTracers(cmd *cobra.Command, sys *workload.System) (func(), error) {
	f := cmd.Flags()

	positions, err := tracedPositions(f)
	if err != nil {
		return nil, err
	}

	filter := func(hook hooking.Hook) hooking.Hook {
		if len(positions) == 0 {
			return hook
		}

		return hooking.AtPositions(hook, positions...)
	}

	if traceEvents, _ := f.GetBool("trace"); traceEvents {
		logger := log.New(os.Stderr, "trace: ", 0)
		sys.Manager.AcceptHook(filter(trace.NewTracer(logger)))
	}

	recordPath, _ := f.GetString("record")
	if recordPath == "" {
		return func() {}, nil
	}

	if _, err := os.Stat(recordPath + ".sqlite3"); err == nil {
		return nil, fmt.Errorf("file %s.sqlite3 already exists", recordPath)
	}

	recorder := datarecording.New(recordPath)
	dbTracer := filter(trace.NewDBTracer(recorder))
	sys.Manager.AcceptHook(dbTracer)

	return func() {
		sys.Manager.RemoveHook(dbTracer)

		if err := recorder.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close recording: %v\n", err)
		}
	}, nil
}

// tracedPositions resolves the names given with --trace-events.
func tracedPositions(f *pflag.FlagSet) ([]*hooking.HookPos, error) {
	names, err := f.GetStringSlice("trace-events")
	if err != nil {
		return nil, err
	}

	positions := make([]*hooking.HookPos, 0, len(names))
	for _, name := range names {
		pos, found := vmm.HookPosByName(name)
		if !found {
			return nil, fmt.Errorf("unknown event %q", name)
		}

		positions = append(positions, pos)
	}

	return positions, nil
}

// startMonitor serves the monitoring API if asked to and returns a progress
// callback that feeds its progress bars.
func startMonitor(
	cmd *cobra.Command,
	sys *workload.System,
	cfg workload.Config,
) workload.Progress {
	f := cmd.Flags()

	port, _ := f.GetInt("monitor-port")
	if port < 0 {
		return nil
	}

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	monitor.RegisterManager(sys.Manager)
	addr := monitor.StartServer()

	if open, _ := f.GetBool("open-browser"); open {
		if err := browser.OpenURL(addr + "/api/stats"); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	bars := make(map[vm.PID]*monitoring.ProgressBar)
	for i := 1; i <= cfg.Threads; i++ {
		pid := vm.PID(i)
		bars[pid] = monitor.CreateProgressBar(
			fmt.Sprintf("pid %d", pid), uint64(cfg.Accesses))
	}

	reported := make([]int, cfg.Threads)

	return func(pid vm.PID, done int) {
		bar := bars[pid]
		bar.IncrementFinished(uint64(done - reported[pid-1]))
		reported[pid-1] = done

		if done == cfg.Accesses {
			monitor.CompleteProgressBar(bar)
		}
	}
}

func printReport(cmd *cobra.Command, report workload.Report) error {
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	s := report.Stats
	fmt.Fprintf(out, "threads         %d (killed %v)\n", report.Threads, report.Killed)
	fmt.Fprintf(out, "accesses        %d in %v\n", report.Accesses, report.Elapsed)
	fmt.Fprintf(out, "mismatches      %d\n", report.Mismatches)
	fmt.Fprintf(out, "faults          %d resolved, %d fatal\n",
		s.FaultsResolved, s.FaultsFatal)
	fmt.Fprintf(out, "stack growths   %d\n", s.StackGrowths)
	fmt.Fprintf(out, "file loads      %d\n", s.FileLoads)
	fmt.Fprintf(out, "evictions       %d\n", s.Evictions)
	fmt.Fprintf(out, "swap            %d out, %d in, %d/%d slots used at the end\n",
		s.SwapOuts, s.SwapIns, s.SwapSlotsUsed, s.SwapSlots)
	fmt.Fprintf(out, "write backs     %d\n", s.WriteBacks)
	fmt.Fprintf(out, "consistent      %t\n", report.Consistent)
	fmt.Fprintf(out, "leaks           %d frames, %d slots\n",
		report.LeakedFrames, report.LeakedSlots)

	return nil
}
