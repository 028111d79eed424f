// Package ingest is the bulk ingestion engine: it consumes streams of
// price bars from files or source adapters, validates rows individually,
// and bulk-writes them to the time-series store idempotently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/dto"
)

// ConflictPolicy controls what happens when a row's key already exists.
type ConflictPolicy string

const (
	// ConflictSkip leaves existing rows untouched; duplicate writes are
	// no-ops. The default and the only policy the store write path needs,
	// since backfill-driven overwrite only ever targets previously-absent
	// rows.
	ConflictSkip ConflictPolicy = "skip"
)

// Options tunes one Ingest call.
type Options struct {
	// OnConflict defaults to ConflictSkip.
	OnConflict ConflictPolicy

	// StopOnError aborts the run on the first failed batch. Default false:
	// log, record the failed range, continue.
	StopOnError bool

	// BatchSize is the number of rows per store write. Default 500.
	BatchSize int

	// MaxWriteAttempts bounds per-batch write retries. Default 3.
	MaxWriteAttempts int

	// RetryBase is the initial backoff between write attempts. Default 1s.
	RetryBase time.Duration

	// DryRun validates and counts but never writes.
	DryRun bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.OnConflict == "" {
		out.OnConflict = ConflictSkip
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 500
	}
	if out.MaxWriteAttempts <= 0 {
		out.MaxWriteAttempts = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = time.Second
	}
	return out
}

// RowRange is a contiguous span of input rows, inclusive.
type RowRange struct {
	From int
	To   int
}

// Result reports what one Ingest call did. Re-running the same input
// yields the same stored state; only the Written/Skipped split moves.
type Result struct {
	// Rows is the total number of input rows consumed.
	Rows int

	// Written is the number of new rows stored.
	Written int

	// Skipped is the number of duplicate rows left untouched.
	Skipped int

	// Rejected is the number of rows that failed validation.
	Rejected int

	// Rejections carries per-row validation failures.
	Rejections []*dto.ValidationError

	// FailedRanges lists input row spans whose store writes failed after
	// all retries. Never silently dropped: callers record these in the
	// sync audit log.
	FailedRanges []RowRange
}

// Partial reports whether some batches failed while others landed.
func (r *Result) Partial() bool {
	return len(r.FailedRanges) > 0
}

// BarSource streams bars into the engine. Next returns io.EOF after the
// final bar.
type BarSource interface {
	Next() (*dto.PriceBarDTO, error)
}

// SliceSource adapts an in-memory slice (e.g. an adapter fetch result) to
// BarSource.
type SliceSource struct {
	bars []dto.PriceBarDTO
	pos  int
}

// NewSliceSource wraps bars in a BarSource.
func NewSliceSource(bars []dto.PriceBarDTO) *SliceSource {
	return &SliceSource{bars: bars}
}

func (s *SliceSource) Next() (*dto.PriceBarDTO, error) {
	if s.pos >= len(s.bars) {
		return nil, io.EOF
	}
	b := &s.bars[s.pos]
	s.pos++
	return b, nil
}

// Engine performs idempotent, batched writes to the bar store.
type Engine struct {
	store  barstore.BarStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an ingestion engine over the given store.
func NewEngine(store barstore.BarStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Ingest consumes the stream in interval iv and writes it in batches.
// Validation failures reject individual rows, never the batch. Batch
// write failures are retried with capped exponential backoff; a batch
// that still fails is recorded in Result.FailedRanges and, unless
// StopOnError is set, the run continues with the next batch.
//
// Cancellation is cooperative: the current batch finishes, then the
// engine returns with whatever the Result has accumulated and the
// context's error.
func (e *Engine) Ingest(ctx context.Context, iv dto.Interval, src BarSource, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	result := &Result{}

	batch := make([]dto.PriceBarDTO, 0, opts.BatchSize)
	batchStartRow := 0
	lastSeen := make(map[string]time.Time, 4)
	now := e.now()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() {
			batchStartRow += len(batch)
			batch = batch[:0]
		}()

		if opts.DryRun {
			e.logger.Info("dry run: skipping write", "rows", len(batch), "interval", iv)
			return nil
		}

		err := e.writeBatch(ctx, iv, batch, opts, result)
		if err != nil {
			rr := RowRange{From: batchStartRow, To: batchStartRow + len(batch) - 1}
			result.FailedRanges = append(result.FailedRanges, rr)
			e.logger.Error("batch write failed after retries",
				"interval", iv, "from_row", rr.From, "to_row", rr.To, "error", err)
			if opts.StopOnError {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return result, err
			}
			return result, ctx.Err()
		default:
		}

		bar, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return result, ferr
			}
			return result, fmt.Errorf("read input: %w", err)
		}

		result.Rows++
		row := result.Rows - 1

		if verr := e.validateRow(bar, iv, lastSeen, now); verr != nil {
			verr.Row = row
			result.Rejected++
			result.Rejections = append(result.Rejections, verr)
			e.logger.Warn("row rejected", "row", row, "reason", verr.Error())
			continue
		}

		batch = append(batch, *bar)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}

	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

// validateRow applies the canonical per-row rules plus the batch-scoped
// strictly-increasing-timestamp rule, tracked per ticker across the whole
// stream.
func (e *Engine) validateRow(bar *dto.PriceBarDTO, iv dto.Interval, lastSeen map[string]time.Time, now time.Time) *dto.ValidationError {
	if bar.Interval == "" {
		bar.Interval = iv
	}
	if bar.Interval != iv {
		return &dto.ValidationError{
			Row:    -1,
			Field:  "interval",
			Reason: fmt.Sprintf("row interval %s does not match stream interval %s", bar.Interval, iv),
		}
	}
	if verr := dto.ValidateBar(bar, now); verr != nil {
		return verr
	}
	if prev, ok := lastSeen[bar.Ticker]; ok && !bar.Timestamp.After(prev) {
		return &dto.ValidationError{
			Row:    -1,
			Field:  "timestamp",
			Reason: fmt.Sprintf("not increasing: %s <= %s", bar.Timestamp.Format(time.RFC3339), prev.Format(time.RFC3339)),
		}
	}
	lastSeen[bar.Ticker] = bar.Timestamp
	return nil
}

// writeBatch pushes one batch through the store with bounded retries.
// Only transient store failures retry; a malformed batch fails
// immediately.
func (e *Engine) writeBatch(ctx context.Context, iv dto.Interval, batch []dto.PriceBarDTO, opts Options, result *Result) error {
	backoff := retry.WithMaxRetries(uint64(opts.MaxWriteAttempts-1),
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(opts.RetryBase)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := e.store.WriteBars(ctx, iv, batch)
		if errors.Is(err, barstore.ErrMixedInterval) {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		result.Written += res.Written
		result.Skipped += res.Skipped
		return nil
	})
}
