package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapshim/heap"
	"github.com/joshuapare/heapshim/internal/logger"
	"github.com/joshuapare/heapshim/internal/workload"
	"github.com/joshuapare/heapshim/shim"
	"github.com/joshuapare/heapshim/trace"
)

var (
	stressProfile     string
	stressWorkers     int
	stressOps         int
	stressMaxSize     int
	stressSeed        uint64
	stressMaxBytes    string
	stressChunkSize   string
	stressClasses     string
	stressTrace       string
	stressMetricsAddr string
	stressTimeout     time.Duration
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().StringVar(&stressProfile, "profile", "", "YAML workload profile")
	cmd.Flags().IntVar(&stressWorkers, "workers", 0, "Override the profile's worker count")
	cmd.Flags().IntVar(&stressOps, "ops", 0, "Override the profile's operations per worker")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 0, "Override the profile's largest request in bytes")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 0, "Override the profile's random seed")
	cmd.Flags().StringVar(&stressMaxBytes, "max-bytes", "", "Cap on mapped memory, e.g. 64MiB (default unlimited)")
	cmd.Flags().StringVar(&stressChunkSize, "chunk-size", "", "Arena chunk size, e.g. 1MiB")
	cmd.Flags().StringVar(&stressClasses, "size-classes", "balanced", "Size class preset: fine, balanced, coarse")
	cmd.Flags().StringVar(&stressTrace, "trace", "", "Record every operation to this trace file")
	cmd.Flags().StringVar(&stressMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().DurationVar(&stressTimeout, "timeout", 0, "Stop the workload after this long")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocation workload",
		Long: `The stress command runs concurrent workers that malloc, calloc, realloc
and free through a fresh adapter over a mapped arena, checking that addresses
are never handed out twice, calloc blocks are zeroed and realloc keeps the
old contents.

Example:
  shimctl stress
  shimctl stress --profile heavy.yaml --workers 16
  shimctl stress --max-bytes 8MiB --trace run.trace
  shimctl stress --metrics-addr :9090 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context(), cmd)
		},
	}
	return cmd
}

// StressReport is the JSON form of a stress run.
type StressReport struct {
	Profile      workload.Profile `json:"profile"`
	Mallocs      uint64           `json:"mallocs"`
	Callocs      uint64           `json:"callocs"`
	Reallocs     uint64           `json:"reallocs"`
	Frees        uint64           `json:"frees"`
	Failures     uint64           `json:"failures"`
	Bytes        uint64           `json:"bytes_requested"`
	PeakLive     int64            `json:"peak_live"`
	Leaked       int              `json:"leaked"`
	DurationMS   int64            `json:"duration_ms"`
	Arena        heap.ArenaStats  `json:"arena"`
	TraceRecords int              `json:"trace_records,omitempty"`
}

func stressProfileFromFlags(cmd *cobra.Command) (workload.Profile, error) {
	p := workload.DefaultProfile()
	if stressProfile != "" {
		var err error
		if p, err = workload.LoadProfile(stressProfile); err != nil {
			return p, err
		}
	}
	if cmd != nil {
		flags := cmd.Flags()
		if flags.Changed("workers") {
			p.Workers = stressWorkers
		}
		if flags.Changed("ops") {
			p.OpsPerWorker = stressOps
		}
		if flags.Changed("max-size") {
			p.MaxSize = stressMaxSize
		}
		if flags.Changed("seed") {
			p.Seed = stressSeed
		}
	}
	return p, p.Validate()
}

func arenaOptionsFromFlags(maxBytes, chunkSize, classes string) (*heap.ArenaOptions, error) {
	opts := heap.DefaultArenaOptions()
	if maxBytes != "" {
		n, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-bytes: %w", err)
		}
		opts.MaxBytes = n
	}
	if chunkSize != "" {
		n, err := humanize.ParseBytes(chunkSize)
		if err != nil {
			return nil, fmt.Errorf("invalid --chunk-size: %w", err)
		}
		opts.ChunkSize = int(n)
	}
	switch classes {
	case "", "balanced":
		opts.SizeClasses = &heap.ConfigBalanced
	case "fine":
		opts.SizeClasses = &heap.ConfigFineGrained
	case "coarse":
		opts.SizeClasses = &heap.ConfigCoarse
	default:
		return nil, fmt.Errorf("unknown size class preset %q", classes)
	}
	return opts, nil
}

func runStress(ctx context.Context, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := stressProfileFromFlags(cmd)
	if err != nil {
		return err
	}
	arenaOpts, err := arenaOptionsFromFlags(stressMaxBytes, stressChunkSize, stressClasses)
	if err != nil {
		return err
	}
	arenaOpts.Logger = logger.L

	arena, err := heap.NewArena(arenaOpts)
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	defer arena.Close()

	metrics := shim.NewMetrics("")
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)
	observers := shim.MultiObserver{metrics}

	var rec *trace.Recorder
	if stressTrace != "" {
		f, err := os.Create(stressTrace)
		if err != nil {
			return fmt.Errorf("failed to create trace: %w", err)
		}
		defer f.Close()
		rec = trace.NewRecorder(f)
		observers = append(observers, rec)
	}

	if stressMetricsAddr != "" {
		stop, err := serveMetrics(stressMetricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	s := shim.New(arena, &shim.Options{
		Fatal:    shim.ExitOnFault,
		Observer: observers,
		Logger:   logger.L,
		LogOps:   shim.DefaultOptions().LogOps,
	})

	if stressTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stressTimeout)
		defer cancel()
	}

	printVerbose("Running %d workers x %d ops (max %s per request)\n",
		p.Workers, p.OpsPerWorker, humanize.IBytes(uint64(p.MaxSize)))

	res, runErr := workload.Run(ctx, s, p)
	if errors.Is(runErr, context.DeadlineExceeded) {
		printInfo("Stopped after %s\n", stressTimeout)
		runErr = nil
	}

	report := StressReport{
		Profile:    p,
		Mallocs:    res.Mallocs,
		Callocs:    res.Callocs,
		Reallocs:   res.Reallocs,
		Frees:      res.Frees,
		Failures:   res.Failures,
		Bytes:      res.Bytes,
		PeakLive:   res.PeakLive,
		Leaked:     res.Leaked,
		DurationMS: res.Duration.Milliseconds(),
		Arena:      arena.Stats(),
	}
	if rec != nil {
		if err := rec.Flush(); err != nil {
			return fmt.Errorf("failed to write trace: %w", err)
		}
		report.TraceRecords = rec.Records()
	}
	if runErr != nil {
		return fmt.Errorf("workload failed: %w", runErr)
	}

	if jsonOut {
		return printJSON(report)
	}
	printStressReport(report, res)
	return nil
}

func printStressReport(r StressReport, res workload.Result) {
	printInfo("Workload: %d workers x %s ops, seed %d\n",
		r.Profile.Workers, humanize.Comma(int64(r.Profile.OpsPerWorker)), r.Profile.Seed)
	printInfo("  Operations:   %s in %s", humanize.Comma(int64(res.Ops())), res.Duration.Round(time.Millisecond))
	if secs := res.Duration.Seconds(); secs > 0 {
		printInfo(" (%s ops/s)", humanize.Comma(int64(float64(res.Ops())/secs)))
	}
	printInfo("\n")
	printInfo("    malloc:     %s\n", humanize.Comma(int64(r.Mallocs)))
	printInfo("    calloc:     %s\n", humanize.Comma(int64(r.Callocs)))
	printInfo("    realloc:    %s\n", humanize.Comma(int64(r.Reallocs)))
	printInfo("    free:       %s\n", humanize.Comma(int64(r.Frees)))
	printInfo("  Failures:     %s\n", humanize.Comma(int64(r.Failures)))
	printInfo("  Requested:    %s\n", humanize.IBytes(r.Bytes))
	printInfo("  Peak live:    %s blocks\n", humanize.Comma(r.PeakLive))
	printInfo("  Leaked:       %d\n", r.Leaked)
	printInfo("Arena:\n")
	printInfo("  Mapped:       %s in %d chunks, %d large mappings\n",
		humanize.IBytes(r.Arena.MappedBytes), r.Arena.Chunks, r.Arena.LargeMappings)
	printInfo("  Reused:       %s blocks\n", humanize.Comma(int64(r.Arena.Reused)))
	printInfo("  In-place:     %s of %s reallocs\n",
		humanize.Comma(int64(r.Arena.InPlaceReallocs)), humanize.Comma(int64(r.Arena.Reallocs)))
	if r.TraceRecords > 0 {
		printInfo("Trace:          %s records -> %s\n", humanize.Comma(int64(r.TraceRecords)), stressTrace)
	}
}

// serveMetrics exposes reg on addr until stop is called.
func serveMetrics(addr string, reg *prometheus.Registry) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("metrics server stopped", "error", err)
		}
	}()
	printVerbose("Serving metrics on http://%s/metrics\n", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
