// Package source defines the contract every external data provider
// implements, the error taxonomy shared across the acquisition engine, and
// the registry the schedulers dispatch through. One concrete adapter per
// provider lives under internal/drivers.
package source

import (
	"context"
	"time"

	"finscope/pricesync/internal/dto"
)

// Capabilities declares what a provider can serve. The gap detector uses
// the look-back limits to classify gaps as fillable or unfillable; the
// backfill planner uses MaxRowsPerCall to size requests.
type Capabilities struct {
	// Intervals lists the bar intervals the provider serves.
	Intervals []dto.Interval

	// Lookback is the maximum historical depth per interval. A missing
	// entry means the interval is unsupported; a zero duration means
	// unlimited depth.
	Lookback map[dto.Interval]time.Duration

	// MaxRowsPerCall caps how many bars one FetchHistoricalBars call may
	// return.
	MaxRowsPerCall int

	// SupportsHoldings reports whether FetchHoldings is implemented.
	SupportsHoldings bool
}

// Supports reports whether the provider serves the given interval.
func (c Capabilities) Supports(iv dto.Interval) bool {
	_, ok := c.Lookback[iv]
	return ok
}

// EarliestFillable returns the oldest bar timestamp the provider can still
// serve for the interval. Zero look-back means unlimited depth, reported
// as the zero time.
func (c Capabilities) EarliestFillable(iv dto.Interval, now time.Time) time.Time {
	depth, ok := c.Lookback[iv]
	if !ok || depth == 0 {
		return time.Time{}
	}
	return now.Add(-depth)
}

// Adapter is the common interface over heterogeneous providers. Every call
// consumes one unit of the source's rate budget regardless of outcome;
// the guard wrapping the adapter accounts for that, adapters do not.
//
// Implementations translate provider payloads into the canonical DTOs and
// map provider failures onto the package error taxonomy: TransientError
// for network/timeout conditions, PermanentError for unknown tickers or
// malformed responses, UnsupportedRangeError for requests outside the
// declared capabilities.
type Adapter interface {
	// Name returns the registry key for this provider.
	Name() string

	// Capabilities returns the provider's declared limits.
	Capabilities() Capabilities

	// FetchInstrumentInfo resolves ticker metadata.
	FetchInstrumentInfo(ctx context.Context, ticker string) (*dto.InstrumentDTO, error)

	// FetchHistoricalBars returns bars for [start, end). A request outside
	// the supported interval or look-back fails with UnsupportedRangeError
	// rather than silently truncating.
	FetchHistoricalBars(ctx context.Context, ticker string, iv dto.Interval, start, end time.Time) ([]dto.PriceBarDTO, error)

	// FetchHoldings returns composite constituents where applicable.
	FetchHoldings(ctx context.Context, ticker string) ([]dto.HoldingDTO, error)

	// Validate checks a raw provider payload for the shape this adapter
	// expects, without side effects. Unknown fields are tolerated; missing
	// required fields fail.
	Validate(raw []byte) error
}

// CheckRange is the shared pre-flight adapters run before issuing a
// request: unsupported intervals and ranges older than the provider's
// look-back fail with UnsupportedRangeError.
func CheckRange(name string, caps Capabilities, ticker string, iv dto.Interval, start, end time.Time, now time.Time) error {
	if !caps.Supports(iv) {
		return &UnsupportedRangeError{
			Source:   name,
			Ticker:   ticker,
			Interval: iv,
			Start:    start,
			End:      end,
			Reason:   "interval not supported",
		}
	}
	if !start.Before(end) {
		return &UnsupportedRangeError{
			Source:   name,
			Ticker:   ticker,
			Interval: iv,
			Start:    start,
			End:      end,
			Reason:   "empty range",
		}
	}
	if earliest := caps.EarliestFillable(iv, now); !earliest.IsZero() && start.Before(earliest) {
		return &UnsupportedRangeError{
			Source:   name,
			Ticker:   ticker,
			Interval: iv,
			Start:    start,
			End:      end,
			Reason:   "range predates provider look-back",
		}
	}
	return nil
}
