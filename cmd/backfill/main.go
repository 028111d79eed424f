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
	"finscope/pricesync/internal/gaps"
	"finscope/pricesync/internal/guard"
	"finscope/pricesync/internal/ingest"
	"finscope/pricesync/internal/source"
)

func main() {
	var (
		instrument  = flag.String("instrument", "", "instrument ticker to backfill (required)")
		sourceName  = flag.String("source", coingecko.Name, "source to backfill from")
		intervalArg = flag.String("interval", "1d", "bar interval")
		fromArg     = flag.String("from", "", "detection window start, RFC 3339 (required)")
		dryRun      = flag.Bool("dry-run", false, "report the plan without fetching or writing")
		yes         = flag.Bool("yes", false, "confirm a writing run")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	appConfig := configs.AppLoad()

	if *instrument == "" || *fromArg == "" {
		logger.Error("Both -instrument and -from are required")
		os.Exit(2)
	}
	if !*dryRun && !*yes {
		logger.Error("Refusing to write without -yes; use -dry-run to preview")
		os.Exit(2)
	}
	iv, err := dto.ParseInterval(*intervalArg)
	if err != nil {
		logger.Error("Invalid interval", "error", err)
		os.Exit(2)
	}
	from, err := time.Parse(time.RFC3339, *fromArg)
	if err != nil {
		logger.Error("Invalid -from timestamp", "error", err)
		os.Exit(2)
	}

	store, err := barstore.NewClickHouseStore(appConfig.BarsDSN)
	if err != nil {
		logger.Error("Failed to connect to bar store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cat, err := catalog.Open(appConfig.CatalogDSN)
	if err != nil {
		logger.Error("Failed to connect to catalog", "error", err)
		os.Exit(1)
	}

	adapter, g, err := buildSource(*sourceName, appConfig)
	if err != nil {
		logger.Error("Source setup failed", "source", *sourceName, "error", err)
		os.Exit(2)
	}

	engine := ingest.NewEngine(store, logger)
	backfiller := gaps.NewBackfiller(
		gaps.NewDetector(store), adapter, g, engine, cat.Audit(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(ctx, appConfig.RunDeadline)
	defer cancel()

	opts := ingest.Options{
		BatchSize:        appConfig.Ingest.BatchSize,
		MaxWriteAttempts: appConfig.Ingest.MaxWriteAttempts,
	}

	summary, err := backfiller.Run(runCtx, *instrument, iv, from, *dryRun, opts)
	if summary != nil {
		logger.Info("Backfill summary",
			"ticker", *instrument, "interval", iv,
			"requested", summary.Requested, "dispatched", summary.Dispatched,
			"written", summary.Written, "skipped", summary.Skipped,
			"rejected", summary.Rejected, "failed", summary.Failed,
			"unfillable", len(summary.Unfillable))
	}
	if err != nil {
		logger.Error("Backfill failed", "error", err)
		os.Exit(1)
	}
	if summary != nil && len(summary.Unfillable) > 0 {
		// Coverage that can never be restored is an operator problem, not a
		// silent success.
		os.Exit(1)
	}
	logger.Info("Backfill complete")
}

// buildSource constructs the named adapter and its guard from config.
func buildSource(name string, cfg *configs.AppConfig) (source.Adapter, *guard.Guard, error) {
	guardLog := logrus.New()
	guardLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var adapter source.Adapter
	var sc configs.SourceConfig
	switch name {
	case coingecko.Name:
		adapter = coingecko.New(cfg.Coingecko.APIKey)
		sc = cfg.Coingecko
	case alphavantage.Name:
		adapter = alphavantage.New(cfg.AlphaVantage.APIKey)
		sc = cfg.AlphaVantage
	default:
		return nil, nil, &source.PermanentError{Source: name, Op: "setup", Err: os.ErrNotExist}
	}
	if !sc.Enabled {
		return nil, nil, source.ErrSourceDisabled
	}

	g := guard.New(name, guard.Config{
		PerMinute:        sc.PerMinute,
		PerDay:           sc.PerDay,
		FailureThreshold: sc.FailureThreshold,
		Cooldown:         time.Duration(sc.CooldownSeconds) * time.Second,
		MaxCooldown:      10 * time.Minute,
		ScoreFloor:       0.3,
		ScoreHalfLife:    time.Hour,
	}, guardLog)
	return adapter, g, nil
}
