// Package runner schedules sync jobs across instruments and sources. Jobs
// run in parallel across sources and strictly serialized within one
// source, so per-source budgets and breaker state are never raced. Writes
// for one (ticker, interval) pair are serialized with a keyed lock.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/catalog"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/gaps"
	"finscope/pricesync/internal/guard"
	"finscope/pricesync/internal/ingest"
	"finscope/pricesync/internal/source"
)

// Job is one unit of sync work. An empty Source means the runner picks
// the best dispatchable source that supports the interval.
type Job struct {
	Instrument catalog.Instrument
	Source     string
	Kind       catalog.SyncKind
	Interval   dto.Interval
}

// Outcome is the terminal result of one job.
type Outcome struct {
	Job    Job
	Source string
	Counts catalog.Counts
	Err    error
}

// Report aggregates a whole run.
type Report struct {
	Outcomes []Outcome
}

// Failed counts jobs that ended in error.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Catalog is the slice of the relational store the runner needs.
type Catalog interface {
	UpsertInstrument(ctx context.Context, inst *catalog.Instrument) error
	SaveSourceHealth(ctx context.Context, name string, score float64) error
}

// Runner executes sync jobs against the registered sources.
type Runner struct {
	sources *source.Registry
	guards  *guard.Registry
	engine  *ingest.Engine
	store   barstore.BarStore
	cat     Catalog
	audit   gaps.Auditor
	logger  *slog.Logger
	now     func() time.Time

	// writeLocks serializes ingestion per (ticker, interval); two sources
	// never interleave writes for the same series.
	writeMu    sync.Mutex
	writeLocks map[string]*sync.Mutex

	// IngestOptions is passed to every engine call.
	IngestOptions ingest.Options

	// SeedLookback bounds the first incremental sync of an instrument with
	// no stored bars. Zero means use the provider's full look-back.
	SeedLookback time.Duration
}

// New wires a runner.
func New(sources *source.Registry, guards *guard.Registry, engine *ingest.Engine, store barstore.BarStore, cat Catalog, audit gaps.Auditor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sources:    sources,
		guards:     guards,
		engine:     engine,
		store:      store,
		cat:        cat,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
		writeLocks: make(map[string]*sync.Mutex),
	}
}

// Run executes all jobs and blocks until every worker drains. The context
// is the global deadline: jobs interrupted mid-flight close their sync
// record as partial with whatever counts accumulated.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	resolved := make([]Job, 0, len(jobs))
	report := &Report{}
	var reportMu sync.Mutex

	for _, job := range jobs {
		src, err := r.resolveSource(job)
		if err != nil {
			reportMu.Lock()
			report.Outcomes = append(report.Outcomes, Outcome{Job: job, Err: err})
			reportMu.Unlock()
			continue
		}
		job.Source = src
		resolved = append(resolved, job)
	}

	bySource := make(map[string][]Job)
	for _, job := range resolved {
		bySource[job.Source] = append(bySource[job.Source], job)
	}

	var wg sync.WaitGroup
	for name, queue := range bySource {
		wg.Add(1)
		go func(name string, queue []Job) {
			defer wg.Done()
			for _, job := range queue {
				outcome := r.runJob(ctx, job)
				reportMu.Lock()
				report.Outcomes = append(report.Outcomes, outcome)
				reportMu.Unlock()
				if ctx.Err() != nil {
					r.logger.Warn("deadline reached, abandoning source queue",
						"source", name, "remaining", len(queue))
					return
				}
			}
		}(name, queue)
	}
	wg.Wait()

	r.persistHealth(resolved)
	return report, ctx.Err()
}

// resolveSource validates an explicit source choice or ranks the
// dispatchable candidates when none was given.
func (r *Runner) resolveSource(job Job) (string, error) {
	if job.Source != "" {
		adapter, err := r.sources.Get(job.Source)
		if err != nil {
			return "", err
		}
		if !adapter.Capabilities().Supports(job.Interval) {
			return "", &source.UnsupportedRangeError{
				Source:   job.Source,
				Ticker:   job.Instrument.Ticker,
				Interval: job.Interval,
				Reason:   "interval not supported",
			}
		}
		return job.Source, nil
	}

	var candidates []string
	for _, name := range r.sources.Names() {
		adapter, err := r.sources.Get(name)
		if err != nil {
			continue
		}
		if adapter.Capabilities().Supports(job.Interval) {
			candidates = append(candidates, name)
		}
	}
	ranked := r.guards.Rank(candidates)
	if len(ranked) == 0 {
		return "", fmt.Errorf("no dispatchable source serves %s %s",
			job.Instrument.Ticker, job.Interval)
	}
	return ranked[0], nil
}

// runJob executes one job end to end, including its audit record.
func (r *Runner) runJob(ctx context.Context, job Job) Outcome {
	outcome := Outcome{Job: job, Source: job.Source}

	adapter, err := r.sources.Get(job.Source)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	g := r.guards.Get(job.Source)
	if g == nil {
		outcome.Err = fmt.Errorf("no guard registered for source %q", job.Source)
		return outcome
	}

	recID, err := r.audit.Begin(ctx, job.Instrument.Ticker, job.Source, job.Kind)
	if err != nil {
		outcome.Err = fmt.Errorf("audit begin: %w", err)
		return outcome
	}

	counts, runErr := r.execute(ctx, job, adapter, g)
	outcome.Counts = counts

	closeCtx := ctx
	if ctx.Err() != nil {
		// The run deadline expired; closing the record still must happen.
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	switch {
	case runErr == nil:
		outcome.Err = r.audit.Complete(closeCtx, recID, counts)
	case counts.Written > 0 || counts.Skipped > 0:
		if err := r.audit.MarkPartial(closeCtx, recID, counts, runErr.Error()); err != nil {
			runErr = errors.Join(runErr, err)
		}
		outcome.Err = runErr
	default:
		if err := r.audit.Fail(closeCtx, recID, runErr); err != nil {
			runErr = errors.Join(runErr, err)
		}
		outcome.Err = runErr
	}
	return outcome
}

// execute dispatches on the sync kind.
func (r *Runner) execute(ctx context.Context, job Job, adapter source.Adapter, g *guard.Guard) (catalog.Counts, error) {
	switch job.Kind {
	case catalog.SyncFull:
		return r.fullSync(ctx, job, adapter, g)
	case catalog.SyncIncremental:
		return r.incrementalSync(ctx, job, adapter, g)
	default:
		return catalog.Counts{}, fmt.Errorf("runner does not handle sync kind %q", job.Kind)
	}
}

// fullSync refreshes instrument metadata and pulls the provider's full
// available history for the interval.
func (r *Runner) fullSync(ctx context.Context, job Job, adapter source.Adapter, g *guard.Guard) (catalog.Counts, error) {
	var counts catalog.Counts

	if err := g.Allow(ctx); err != nil {
		return counts, err
	}
	info, err := adapter.FetchInstrumentInfo(ctx, job.Instrument.Ticker)
	g.Record(err)
	if err != nil {
		return counts, err
	}
	inst := &catalog.Instrument{
		Ticker:        info.Ticker,
		Name:          info.Name,
		Category:      string(info.Category),
		QuoteCurrency: info.QuoteCurrency,
		Tier:          job.Instrument.Tier,
		Active:        true,
	}
	if err := r.cat.UpsertInstrument(ctx, inst); err != nil {
		return counts, fmt.Errorf("upsert instrument %s: %w", info.Ticker, err)
	}

	now := r.now()
	start := adapter.Capabilities().EarliestFillable(job.Interval, now)
	if start.IsZero() {
		start = now.Add(-365 * 24 * time.Hour)
	}
	err = r.fetchRange(ctx, job, adapter, g, job.Interval.Truncate(start), job.Interval.Truncate(now), &counts)
	return counts, err
}

// incrementalSync pulls from the latest stored bar forward. An instrument
// with no stored history is seeded from SeedLookback or the provider's
// look-back, whichever is shallower.
func (r *Runner) incrementalSync(ctx context.Context, job Job, adapter source.Adapter, g *guard.Guard) (catalog.Counts, error) {
	var counts catalog.Counts

	latest, err := r.store.LatestTimestamp(ctx, job.Instrument.Ticker, job.Interval)
	if err != nil {
		return counts, fmt.Errorf("latest stored bar: %w", err)
	}

	now := r.now()
	var start time.Time
	if latest.IsZero() {
		start = adapter.Capabilities().EarliestFillable(job.Interval, now)
		if seed := now.Add(-r.SeedLookback); r.SeedLookback > 0 && seed.After(start) {
			start = seed
		}
		if start.IsZero() {
			start = now.Add(-30 * 24 * time.Hour)
		}
	} else {
		start = latest.Add(job.Interval.Duration())
	}

	start = job.Interval.Truncate(start)
	end := job.Interval.Truncate(now)
	if !start.Before(end) {
		r.logger.Debug("already up to date",
			"ticker", job.Instrument.Ticker, "interval", job.Interval, "latest", latest.Format(time.RFC3339))
		return counts, nil
	}
	err = r.fetchRange(ctx, job, adapter, g, start, end, &counts)
	return counts, err
}

// fetchRange walks [start, end) in provider-sized windows, dispatching
// each fetch through the guard and ingesting under the series write lock.
func (r *Runner) fetchRange(ctx context.Context, job Job, adapter source.Adapter, g *guard.Guard, start, end time.Time, counts *catalog.Counts) error {
	caps := adapter.Capabilities()
	maxRows := caps.MaxRowsPerCall
	if maxRows <= 0 {
		maxRows = 1000
	}
	window := time.Duration(maxRows) * job.Interval.Duration()

	for cursor := start; cursor.Before(end); cursor = cursor.Add(window) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunkEnd := cursor.Add(window)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		if err := g.Allow(ctx); err != nil {
			return err
		}
		bars, err := adapter.FetchHistoricalBars(ctx, job.Instrument.Ticker, job.Interval, cursor, chunkEnd)
		g.Record(err)
		if err != nil {
			return err
		}

		result, err := r.ingestLocked(ctx, job, bars)
		if result != nil {
			counts.Written += result.Written
			counts.Skipped += result.Skipped
			counts.Rejected += result.Rejected
		}
		if err != nil {
			return err
		}
		if result.Partial() {
			return fmt.Errorf("write partially failed: %d row ranges", len(result.FailedRanges))
		}
	}
	return nil
}

func (r *Runner) ingestLocked(ctx context.Context, job Job, bars []dto.PriceBarDTO) (*ingest.Result, error) {
	lock := r.seriesLock(job.Instrument.Ticker, job.Interval)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.Ingest(ctx, job.Interval, ingest.NewSliceSource(bars), r.IngestOptions)
}

func (r *Runner) seriesLock(ticker string, iv dto.Interval) *sync.Mutex {
	key := ticker + "|" + string(iv)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	lock, ok := r.writeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.writeLocks[key] = lock
	}
	return lock
}

// persistHealth snapshots each touched source's reliability score into the
// catalog for operator visibility.
func (r *Runner) persistHealth(jobs []Job) {
	seen := make(map[string]bool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range jobs {
		if seen[job.Source] {
			continue
		}
		seen[job.Source] = true
		g := r.guards.Get(job.Source)
		if g == nil {
			continue
		}
		if err := r.cat.SaveSourceHealth(ctx, job.Source, g.Score()); err != nil {
			r.logger.Error("persist source health failed", "source", job.Source, "error", err)
		}
	}
}
