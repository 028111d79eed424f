package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"finscope/pricesync/configs"
	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/catalog"
	"finscope/pricesync/internal/drivers/alphavantage"
	"finscope/pricesync/internal/drivers/coingecko"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/guard"
	"finscope/pricesync/internal/ingest"
	"finscope/pricesync/internal/runner"
	"finscope/pricesync/internal/source"
)

func main() {
	var (
		inputFile   = flag.String("file", "", "ingest one historical file and exit")
		inputDir    = flag.String("dir", "", "ingest every file in a directory and exit")
		sourceName  = flag.String("source", "", "pin syncs to one source (default: best ranked)")
		intervalArg = flag.String("interval", "1d", "bar interval for the run")
		kindArg     = flag.String("kind", "incremental", "sync kind: incremental or full")
		tier        = flag.Int("tier", 0, "only sync instruments of this tier (0 = all)")
		dryRun      = flag.Bool("dry-run", false, "validate and plan without writing")
		stopOnError = flag.Bool("stop-on-error", false, "abort on the first failed batch")
		yes         = flag.Bool("yes", false, "confirm a writing run")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	appConfig := configs.AppLoad()

	iv, err := dto.ParseInterval(*intervalArg)
	if err != nil {
		logger.Error("Invalid interval", "error", err)
		os.Exit(2)
	}
	if !*dryRun && !*yes {
		logger.Error("Refusing to write without -yes; use -dry-run to preview")
		os.Exit(2)
	}

	store, err := barstore.NewClickHouseStore(appConfig.BarsDSN)
	if err != nil {
		logger.Error("Failed to connect to bar store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := ingest.NewEngine(store, logger)
	opts := ingest.Options{
		BatchSize:        appConfig.Ingest.BatchSize,
		MaxWriteAttempts: appConfig.Ingest.MaxWriteAttempts,
		StopOnError:      *stopOnError,
		DryRun:           *dryRun,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// File mode needs no catalog or sources.
	if *inputFile != "" || *inputDir != "" {
		runFileMode(ctx, logger, engine, iv, *inputFile, *inputDir, opts)
		return
	}

	cat, err := catalog.Open(appConfig.CatalogDSN)
	if err != nil {
		logger.Error("Failed to connect to catalog", "error", err)
		os.Exit(1)
	}

	// Records left open by a crashed or deadline-killed worker get closed
	// as partial before a new run begins.
	if swept, err := cat.Audit().SweepStale(ctx, 2*appConfig.RunDeadline); err != nil {
		logger.Warn("Stale record sweep failed", "error", err)
	} else if swept > 0 {
		logger.Warn("Closed stale sync records", "count", swept)
	}

	sources, guards := buildSources(appConfig, logger)

	run := runner.New(sources, guards, engine, store, cat, cat.Audit(), logger)
	run.IngestOptions = opts

	kind := catalog.SyncIncremental
	if *kindArg == "full" {
		kind = catalog.SyncFull
	}

	instruments, err := cat.ActiveInstruments(ctx, *tier)
	if err != nil {
		logger.Error("Failed to list instruments", "error", err)
		os.Exit(1)
	}
	if len(instruments) == 0 {
		logger.Warn("No active instruments to sync")
		return
	}

	jobs := make([]runner.Job, 0, len(instruments))
	for _, inst := range instruments {
		jobs = append(jobs, runner.Job{Instrument: inst, Source: *sourceName, Kind: kind, Interval: iv})
	}

	runCtx, cancel := context.WithTimeout(ctx, appConfig.RunDeadline)
	defer cancel()

	logger.Info("Sync run started", "jobs", len(jobs), "kind", kind, "interval", iv)
	report, err := run.Run(runCtx, jobs)
	if err != nil {
		logger.Warn("Run ended early", "error", err)
	}
	for _, o := range report.Outcomes {
		if o.Err != nil {
			logger.Error("Job failed",
				"ticker", o.Job.Instrument.Ticker, "source", o.Source, "error", o.Err)
			continue
		}
		logger.Info("Job complete",
			"ticker", o.Job.Instrument.Ticker, "source", o.Source,
			"written", o.Counts.Written, "skipped", o.Counts.Skipped, "rejected", o.Counts.Rejected)
	}
	if report.Failed() > 0 {
		os.Exit(1)
	}
	logger.Info("Sync run complete", "jobs", len(report.Outcomes))
}

func runFileMode(ctx context.Context, logger *slog.Logger, engine *ingest.Engine, iv dto.Interval, file, dir string, opts ingest.Options) {
	if file != "" {
		result, err := engine.ProcessFile(ctx, file, iv, opts)
		logFileResult(logger, file, result, err, opts.StopOnError)
		return
	}
	results, err := engine.ProcessDir(ctx, dir, iv, opts)
	if err != nil {
		logger.Error("Directory ingest failed", "dir", dir, "error", err)
		os.Exit(1)
	}
	for _, r := range results {
		logger.Info("File result",
			"rows", r.Rows, "written", r.Written, "skipped", r.Skipped, "rejected", r.Rejected)
	}
}

func logFileResult(logger *slog.Logger, file string, result *ingest.Result, err error, stopOnError bool) {
	if result != nil {
		logger.Info("Ingest finished",
			"file", file, "rows", result.Rows, "written", result.Written,
			"skipped", result.Skipped, "rejected", result.Rejected,
			"failed_ranges", len(result.FailedRanges))
	}
	if err != nil {
		logger.Error("Ingest failed", "file", file, "error", err)
		os.Exit(1)
	}
	if result != nil && result.Partial() && stopOnError {
		os.Exit(1)
	}
}

// buildSources registers every configured adapter with a matching guard.
// Sources without credentials load disabled; they stay registered so
// operators see them in logs but are never dispatched to.
func buildSources(cfg *configs.AppConfig, logger *slog.Logger) (*source.Registry, *guard.Registry) {
	guardLog := logrus.New()
	guardLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	sources := source.NewRegistry()
	guards := guard.NewRegistry(guardLog)

	register := func(adapter source.Adapter, sc configs.SourceConfig) {
		if err := sources.Register(adapter); err != nil {
			logger.Error("Source registration failed", "source", adapter.Name(), "error", err)
			return
		}
		g := guards.Add(adapter.Name(), guard.Config{
			PerMinute:        sc.PerMinute,
			PerDay:           sc.PerDay,
			FailureThreshold: sc.FailureThreshold,
			Cooldown:         time.Duration(sc.CooldownSeconds) * time.Second,
			MaxCooldown:      10 * time.Minute,
			ScoreFloor:       0.3,
			ScoreHalfLife:    time.Hour,
		})
		g.SetEnabled(sc.Enabled)
		if !sc.Enabled {
			logger.Warn("Source disabled", "source", adapter.Name())
		}
	}

	register(coingecko.New(cfg.Coingecko.APIKey), cfg.Coingecko)
	register(alphavantage.New(cfg.AlphaVantage.APIKey), cfg.AlphaVantage)

	return sources, guards
}
