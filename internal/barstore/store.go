// Package barstore provides the time-series store write and read path for
// price bars. Bulk loads go through a columnar batch insert, never
// row-by-row SQL; reads are range scans by (ticker, interval, time range).
package barstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finscope/pricesync/internal/dto"
)

// ErrMixedInterval marks a malformed batch whose rows disagree with the
// batch interval. Retrying it can never succeed.
var ErrMixedInterval = errors.New("bar interval does not match batch interval")

// WriteResult reports what a bulk write actually did.
type WriteResult struct {
	// Written is the number of new rows stored.
	Written int

	// Skipped is the number of rows already present, left untouched.
	// Duplicate writes are no-ops, not errors.
	Skipped int
}

// StoreWriteError is a batch-granularity write failure. It carries the
// exact row range that failed so the sync record can name it and a retry
// can be targeted without re-deriving context.
type StoreWriteError struct {
	Interval dto.Interval
	FromRow  int
	ToRow    int
	Err      error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("bar store write failed for rows [%d, %d] interval %s: %v",
		e.FromRow, e.ToRow, e.Interval, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// BarStore is the engine's view of the time-series store. Implementations
// must be safe for concurrent use; the engine serializes writes per
// (ticker, interval) itself.
type BarStore interface {
	// WriteBars bulk-appends one batch of bars, all sharing the given
	// interval. Rows whose (ticker, interval, timestamp) already exist are
	// skipped. Batches never mix intervals.
	WriteBars(ctx context.Context, iv dto.Interval, bars []dto.PriceBarDTO) (WriteResult, error)

	// Timestamps returns the stored bar timestamps for the ticker and
	// interval inside [from, to], ascending.
	Timestamps(ctx context.Context, ticker string, iv dto.Interval, from, to time.Time) ([]time.Time, error)

	// LatestTimestamp returns the most recent stored bar time, or the zero
	// time when none exist.
	LatestTimestamp(ctx context.Context, ticker string, iv dto.Interval) (time.Time, error)

	// CountBars returns how many bars are stored for the ticker/interval.
	CountBars(ctx context.Context, ticker string, iv dto.Interval) (int64, error)

	// Close releases store resources.
	Close() error
}
