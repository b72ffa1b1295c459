package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nvr-ai/loadswitch/config"
	"github.com/nvr-ai/loadswitch/history"
	"github.com/nvr-ai/loadswitch/metrics"
	"github.com/nvr-ai/loadswitch/monitor"
	"github.com/nvr-ai/loadswitch/source/cvprobe"
	"github.com/nvr-ai/loadswitch/supervisor"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code. Deferred cleanup
// (ledger, signal handler) completes before main exits.
func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("loadswitch", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configFile    = flags.String("config", "", "Path to YAML configuration file")
		watch         = flags.Bool("watch", false, "Keep sampling and swap detectors as load changes")
		sourcePath    = flags.String("source", "", "Override the configured source")
		outputDir     = flags.String("output", "", "Override the configured output directory")
		historyPath   = flags.String("history", "", "Override the run ledger database path")
		metricsAddr   = flags.String("metrics-addr", "", "Override the metrics listen address")
		logLevel      = flags.String("log-level", "", "Override the log level (debug, info, warn, error)")
		dryRun        = flags.Bool("dry-run", false, "Print the command for the selected mode and exit")
		historyReport = flags.Int("history-report", 0, "Print the last N runs and switches from the ledger and exit")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	log := slog.New(slog.NewTextHandler(stderr, nil))

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Error("failed to load config", "error", err)
			return 1
		}
	}

	overrideString(&cfg.Source, *sourcePath)
	overrideString(&cfg.OutputDir, *outputDir)
	overrideString(&cfg.HistoryPath, *historyPath)
	overrideString(&cfg.MetricsAddr, *metricsAddr)
	overrideString(&cfg.LogLevel, *logLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return 1
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *historyReport > 0 {
		if cfg.HistoryPath == "" {
			logger.Error("history report requires a ledger path (-history or history_path)")
			return 1
		}
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Error("failed to open history", "error", err)
			return 1
		}
		defer store.Close()
		if err := printHistory(ctx, stdout, store, *historyReport); err != nil {
			logger.Error("failed to read history", "error", err)
			return 1
		}
		return 0
	}

	opts := supervisor.Options{
		Config:  cfg,
		Sampler: monitor.NewSystemSampler(cfg.Sampling.CPUWindow),
		Prober:  cvprobe.New(),
		Logger:  logger,
		Report:  stdout,
	}

	if cfg.HistoryPath != "" && !*dryRun {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Error("failed to open history", "error", err)
			return 1
		}
		defer store.Close()
		opts.Recorder = store
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" && !*dryRun {
		m = metrics.New()
		opts.Metrics = m
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		logger.Error("failed to create supervisor", "error", err)
		return 1
	}

	if *dryRun {
		if err := printCommand(ctx, stdout, sup); err != nil {
			logger.Error("dry run failed", "error", err)
			return 1
		}
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if m != nil {
		g.Go(func() error {
			return m.Serve(runCtx, cfg.MetricsAddr, logger)
		})
	}

	g.Go(func() error {
		defer cancelRun()
		if *watch {
			return sup.Watch(runCtx)
		}
		_, err := sup.Once(runCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("loadswitch failed", "error", err)
		return 1
	}
	return 0
}

// printCommand writes the command line for the currently selected mode.
func printCommand(ctx context.Context, w io.Writer, sup *supervisor.Supervisor) error {
	mode, _, err := sup.Select(ctx)
	if err != nil {
		return err
	}
	cmd, err := sup.Command(mode)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, cmd.String())
	return err
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func printHistory(ctx context.Context, out io.Writer, store *history.Store, limit int) error {
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	switches, err := store.RecentSwitches(ctx, limit)
	if err != nil {
		return err
	}
	counts, err := store.ModeCounts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "RUNS (heavy=%d, light=%d)\n", counts["heavy"], counts["light"])
	fmt.Fprintln(w, "STARTED\tMODE\tPROFILE\tCPU\tRAM\tEXIT\tDURATION\tSTOPPED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.1f%%\t%d\t%v\t%t\n",
			r.StartedAt.Local().Format(time.DateTime), r.Mode, r.Profile, r.CPUPercent, r.RAMPercent,
			r.ExitCode, r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond), r.Stopped)
	}

	fmt.Fprintln(w, "\nSWITCHES")
	fmt.Fprintln(w, "AT\tFROM\tTO\tCPU\tRAM")
	for _, sw := range switches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.1f%%\n",
			sw.At.Local().Format(time.DateTime), sw.From, sw.To, sw.CPUPercent, sw.RAMPercent)
	}

	return w.Flush()
}
