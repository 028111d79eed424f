package gaps

import (
	"sort"
	"time"

	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/source"
)

// Request is one backfill fetch sized to the provider's per-call row
// limit. End is exclusive, matching the adapter contract.
type Request struct {
	Ticker   string
	Interval dto.Interval
	Start    time.Time
	End      time.Time

	// Bars is the expected row count for the request.
	Bars int
}

// Plan converts fillable gaps into backfill requests. Smaller and more
// recent gaps come first so re-runs make quickly-available coverage
// progress even when the budget runs out mid-plan. Unfillable gaps are
// the caller's to report; Plan ignores them.
func Plan(all []Gap, caps source.Capabilities) []Request {
	fillable, _ := Split(all)
	if len(fillable) == 0 {
		return nil
	}

	sort.SliceStable(fillable, func(i, j int) bool {
		if fillable[i].Bars != fillable[j].Bars {
			return fillable[i].Bars < fillable[j].Bars
		}
		return fillable[i].To.After(fillable[j].To)
	})

	maxRows := caps.MaxRowsPerCall
	if maxRows <= 0 {
		maxRows = 1000
	}

	var requests []Request
	for _, g := range fillable {
		step := g.Interval.Duration()
		start := g.From
		remaining := g.Bars
		for remaining > 0 {
			n := remaining
			if n > maxRows {
				n = maxRows
			}
			end := start.Add(time.Duration(n) * step)
			requests = append(requests, Request{
				Ticker:   g.Ticker,
				Interval: g.Interval,
				Start:    start,
				End:      end,
				Bars:     n,
			})
			start = end
			remaining -= n
		}
	}
	return requests
}
