package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"finscope/pricesync/internal/catalog"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/guard"
	"finscope/pricesync/internal/ingest"
	"finscope/pricesync/internal/source"
)

// Auditor is the slice of the sync audit log the backfiller needs.
type Auditor interface {
	Begin(ctx context.Context, ticker, src string, kind catalog.SyncKind) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, counts catalog.Counts) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
	MarkPartial(ctx context.Context, id uuid.UUID, counts catalog.Counts, reason string) error
}

// Summary reports one backfill run over one (instrument, interval).
type Summary struct {
	Requested  int
	Dispatched int
	Written    int
	Skipped    int
	Rejected   int

	// Unfillable carries the gaps the provider can no longer serve;
	// operators must see these.
	Unfillable []Gap

	// Failed counts requests that errored terminally.
	Failed int
}

// Backfiller detects gaps and fills them through one source adapter,
// dispatching every fetch through the source's guard and recording the
// attempt in the audit log.
type Backfiller struct {
	detector *Detector
	adapter  source.Adapter
	guard    *guard.Guard
	engine   *ingest.Engine
	audit    Auditor
	logger   *slog.Logger
}

// NewBackfiller wires a backfiller.
func NewBackfiller(detector *Detector, adapter source.Adapter, g *guard.Guard, engine *ingest.Engine, audit Auditor, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		detector: detector,
		adapter:  adapter,
		guard:    g,
		engine:   engine,
		audit:    audit,
		logger:   logger,
	}
}

// Run detects gaps for (ticker, interval) over [from, now] and executes
// the backfill plan. With dryRun it only reports what it would do.
// One SyncRecord of kind backfill covers the whole instrument run.
func (b *Backfiller) Run(ctx context.Context, ticker string, iv dto.Interval, from time.Time, dryRun bool, opts ingest.Options) (*Summary, error) {
	caps := b.adapter.Capabilities()
	if !caps.Supports(iv) {
		return nil, &source.UnsupportedRangeError{
			Source:   b.adapter.Name(),
			Ticker:   ticker,
			Interval: iv,
			Reason:   "interval not supported",
		}
	}

	now := b.detector.now()
	all, err := b.detector.Detect(ctx, ticker, iv, from, now, caps)
	if err != nil {
		return nil, err
	}

	_, unfillable := Split(all)
	summary := &Summary{Unfillable: unfillable}
	for _, g := range unfillable {
		b.logger.Warn("unfillable gap", "gap", g.String(), "source", b.adapter.Name())
	}

	plan := Plan(all, caps)
	summary.Requested = len(plan)
	if len(plan) == 0 {
		return summary, nil
	}

	if dryRun {
		for _, req := range plan {
			b.logger.Info("dry run: would backfill",
				"ticker", req.Ticker, "interval", req.Interval,
				"start", req.Start.Format(time.RFC3339), "end", req.End.Format(time.RFC3339),
				"bars", req.Bars)
		}
		return summary, nil
	}

	recID, err := b.audit.Begin(ctx, ticker, b.adapter.Name(), catalog.SyncBackfill)
	if err != nil {
		return summary, fmt.Errorf("audit begin: %w", err)
	}

	var counts catalog.Counts
	var lastErr error
	for _, req := range plan {
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		default:
		}
		if lastErr != nil {
			break
		}

		if err := b.executeRequest(ctx, req, iv, opts, summary, &counts); err != nil {
			summary.Failed++
			lastErr = err
			if source.IsPermanent(err) || errors.Is(err, source.ErrSourceDisabled) {
				break
			}
			// Transient or rate-limit failures end this run; the next
			// detection pass only sees what is still missing.
			break
		}
		summary.Dispatched++
	}

	switch {
	case lastErr == nil:
		if err := b.audit.Complete(ctx, recID, counts); err != nil {
			return summary, err
		}
	case summary.Dispatched > 0:
		if err := b.audit.MarkPartial(ctx, recID, counts, lastErr.Error()); err != nil {
			return summary, err
		}
	default:
		if err := b.audit.Fail(ctx, recID, lastErr); err != nil {
			return summary, err
		}
	}

	return summary, lastErr
}

func (b *Backfiller) executeRequest(ctx context.Context, req Request, iv dto.Interval, opts ingest.Options, summary *Summary, counts *catalog.Counts) error {
	if err := b.guard.Allow(ctx); err != nil {
		return err
	}

	bars, err := b.adapter.FetchHistoricalBars(ctx, req.Ticker, iv, req.Start, req.End)
	b.guard.Record(err)
	if err != nil {
		return err
	}

	result, err := b.engine.Ingest(ctx, iv, ingest.NewSliceSource(bars), opts)
	if result != nil {
		summary.Written += result.Written
		summary.Skipped += result.Skipped
		summary.Rejected += result.Rejected
		counts.Written += result.Written
		counts.Skipped += result.Skipped
		counts.Rejected += result.Rejected
	}
	if err != nil {
		return err
	}
	if result.Partial() {
		return fmt.Errorf("backfill write partially failed: %d row ranges", len(result.FailedRanges))
	}
	return nil
}
