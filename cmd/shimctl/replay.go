package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapshim/heap"
	"github.com/joshuapare/heapshim/internal/logger"
	"github.com/joshuapare/heapshim/shim"
	"github.com/joshuapare/heapshim/trace"
)

var (
	replayKeep     bool
	replayMaxBytes string
	replayClasses  string
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayKeep, "keep-leftovers", false, "Do not free blocks still live at the end of the trace")
	cmd.Flags().StringVar(&replayMaxBytes, "max-bytes", "", "Cap on mapped memory, e.g. 64MiB (default unlimited)")
	cmd.Flags().StringVar(&replayClasses, "size-classes", "balanced", "Size class preset: fine, balanced, coarse")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay a recorded allocation trace",
		Long: `The replay command re-executes a trace written by "shimctl stress --trace"
(or any tool emitting the same format) against a fresh adapter. Recorded
failures are skipped. A trace that frees or resizes an address it never
allocated is reported as an error.

Example:
  shimctl replay run.trace
  shimctl replay run.trace --size-classes coarse --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args)
		},
	}
	return cmd
}

// ReplayReport is the JSON form of a replay.
type ReplayReport struct {
	Trace   string            `json:"trace"`
	Records int               `json:"records"`
	Stats   trace.ReplayStats `json:"stats"`
	Arena   heap.ArenaStats   `json:"arena"`
}

func runReplay(args []string) error {
	path := args[0]
	printVerbose("Reading trace: %s\n", path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	recs, err := trace.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	opts, err := arenaOptionsFromFlags(replayMaxBytes, "", replayClasses)
	if err != nil {
		return err
	}
	opts.Logger = logger.L
	arena, err := heap.NewArena(opts)
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	defer arena.Close()

	s := shim.New(arena, &shim.Options{
		Fatal:  shim.ExitOnFault,
		Logger: logger.L,
		LogOps: shim.DefaultOptions().LogOps,
	})
	stats, err := trace.Replay(s, recs, &trace.ReplayOptions{FreeLeftovers: !replayKeep})
	if err != nil {
		return fmt.Errorf("replay stopped after %d operations: %w", stats.Ops, err)
	}

	report := ReplayReport{Trace: path, Records: len(recs), Stats: stats, Arena: arena.Stats()}
	if jsonOut {
		return printJSON(report)
	}

	printInfo("Trace %s: %s records\n", path, humanize.Comma(int64(len(recs))))
	printInfo("  Executed:     %s\n", humanize.Comma(int64(stats.Ops)))
	printInfo("  Skipped:      %s (recorded failures)\n", humanize.Comma(int64(stats.Skipped)))
	printInfo("  Requested:    %s\n", humanize.IBytes(stats.Allocated))
	printInfo("  Peak live:    %s blocks, %s\n", humanize.Comma(int64(stats.PeakLive)), humanize.IBytes(stats.PeakBytes))
	printInfo("  Live at end:  %d", stats.Live)
	if stats.Leftovers > 0 {
		printInfo(" (freed)")
	}
	printInfo("\n")
	printInfo("  Mapped:       %s\n", humanize.IBytes(report.Arena.MappedBytes))
	return nil
}
