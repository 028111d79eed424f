// Package gaps compares requested coverage against stored coverage and
// plans backfill requests for the missing ranges. Detection is always
// computed from current store state, never from a cached prior result, so
// a re-run after a partial backfill reports only what is still missing.
package gaps

import (
	"context"
	"fmt"
	"time"

	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/source"
)

// Gap is a contiguous missing time range for an (instrument, interval)
// pair. From and To are inclusive bar timestamps on the interval grid.
type Gap struct {
	Ticker   string
	Interval dto.Interval
	From     time.Time
	To       time.Time

	// Bars is the number of missing bars in the range.
	Bars int

	// Unfillable means the gap starts before the provider's maximum
	// look-back for this interval. Unfillable gaps are reported, never
	// silently dropped or attempted.
	Unfillable bool
}

func (g Gap) String() string {
	state := "fillable"
	if g.Unfillable {
		state = "unfillable"
	}
	return fmt.Sprintf("%s %s [%s, %s] %d bars (%s)",
		g.Ticker, g.Interval,
		g.From.Format(time.RFC3339), g.To.Format(time.RFC3339),
		g.Bars, state)
}

// Detector finds coverage gaps against a bar store.
type Detector struct {
	store barstore.BarStore
	now   func() time.Time
}

// NewDetector creates a detector over the store.
func NewDetector(store barstore.BarStore) *Detector {
	return &Detector{store: store, now: time.Now}
}

// Detect computes the expected timestamp grid for [from, to] and emits
// maximal contiguous missing ranges. caps classifies each gap against the
// provider's look-back; pass a zero Capabilities to skip classification.
func (d *Detector) Detect(ctx context.Context, ticker string, iv dto.Interval, from, to time.Time, caps source.Capabilities) ([]Gap, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("unknown interval %q", iv)
	}
	from = iv.Truncate(from)
	to = iv.Truncate(to)
	if to.Before(from) {
		return nil, fmt.Errorf("empty detection window [%s, %s]", from, to)
	}

	stored, err := d.store.Timestamps(ctx, ticker, iv, from, to)
	if err != nil {
		return nil, fmt.Errorf("query stored timestamps: %w", err)
	}
	present := make(map[int64]bool, len(stored))
	for _, ts := range stored {
		present[iv.Truncate(ts).Unix()] = true
	}

	now := d.now()
	earliest := caps.EarliestFillable(iv, now)
	step := iv.Duration()

	var gaps []Gap
	var open *Gap
	for t := from; !t.After(to); t = t.Add(step) {
		if present[t.Unix()] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{Ticker: ticker, Interval: iv, From: t, To: t, Bars: 1}
			continue
		}
		open.To = t
		open.Bars++
	}
	if open != nil {
		gaps = append(gaps, *open)
	}

	// Classification by gap start against the provider's look-back depth.
	for i := range gaps {
		if !earliest.IsZero() && gaps[i].From.Before(earliest) {
			gaps[i].Unfillable = true
		}
	}
	return gaps, nil
}

// Split separates gaps into fillable and unfillable slices.
func Split(all []Gap) (fillable, unfillable []Gap) {
	for _, g := range all {
		if g.Unfillable {
			unfillable = append(unfillable, g)
		} else {
			fillable = append(fillable, g)
		}
	}
	return fillable, unfillable
}
