package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/source"
)

func day(n int) time.Time {
	return time.Date(2026, 2, n, 0, 0, 0, 0, time.UTC)
}

func storedBar(ts time.Time) dto.PriceBarDTO {
	return dto.PriceBarDTO{
		Ticker:    "BTC",
		Interval:  dto.Interval1d,
		Timestamp: ts,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(95),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(1),
	}
}

func storeWithDays(t *testing.T, days ...int) *barstore.MemoryStore {
	t.Helper()
	store := barstore.NewMemoryStore()
	bars := make([]dto.PriceBarDTO, 0, len(days))
	for _, n := range days {
		bars = append(bars, storedBar(day(n)))
	}
	_, err := store.WriteBars(context.Background(), dto.Interval1d, bars)
	require.NoError(t, err)
	return store
}

func TestDetectFindsMaximalRuns(t *testing.T) {
	// Stored bars on days 1, 2, 5, 6, 10 over a [1, 10] window: the missing
	// ranges are [3, 4] and [7, 9].
	store := storeWithDays(t, 1, 2, 5, 6, 10)
	det := NewDetector(store)
	det.now = func() time.Time { return day(11) }

	gaps, err := det.Detect(context.Background(), "BTC", dto.Interval1d, day(1), day(10), source.Capabilities{})
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	assert.Equal(t, day(3), gaps[0].From)
	assert.Equal(t, day(4), gaps[0].To)
	assert.Equal(t, 2, gaps[0].Bars)

	assert.Equal(t, day(7), gaps[1].From)
	assert.Equal(t, day(9), gaps[1].To)
	assert.Equal(t, 3, gaps[1].Bars)
}

func TestDetectAfterPartialRefillReportsOnlyRemaining(t *testing.T) {
	store := storeWithDays(t, 1, 2, 5, 6, 10)
	det := NewDetector(store)
	det.now = func() time.Time { return day(11) }
	ctx := context.Background()

	// Fill the first gap.
	_, err := store.WriteBars(ctx, dto.Interval1d, []dto.PriceBarDTO{storedBar(day(3)), storedBar(day(4))})
	require.NoError(t, err)

	gaps, err := det.Detect(ctx, "BTC", dto.Interval1d, day(1), day(10), source.Capabilities{})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, day(7), gaps[0].From)
	assert.Equal(t, day(9), gaps[0].To)
}

func TestDetectFullCoverageIsEmpty(t *testing.T) {
	store := storeWithDays(t, 1, 2, 3, 4, 5)
	det := NewDetector(store)
	det.now = func() time.Time { return day(6) }

	gaps, err := det.Detect(context.Background(), "BTC", dto.Interval1d, day(1), day(5), source.Capabilities{})
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetectEmptyStoreIsOneGap(t *testing.T) {
	det := NewDetector(barstore.NewMemoryStore())
	det.now = func() time.Time { return day(11) }

	gaps, err := det.Detect(context.Background(), "BTC", dto.Interval1d, day(1), day(10), source.Capabilities{})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, day(1), gaps[0].From)
	assert.Equal(t, day(10), gaps[0].To)
	assert.Equal(t, 10, gaps[0].Bars)
}

func TestDetectClassifiesUnfillable(t *testing.T) {
	store := storeWithDays(t, 1, 2, 5, 6, 10)
	det := NewDetector(store)
	det.now = func() time.Time { return day(11) }

	// Look-back of 5 days from day 11: anything before day 6 is beyond the
	// provider's reach.
	caps := source.Capabilities{
		Lookback: map[dto.Interval]time.Duration{
			dto.Interval1d: 5 * 24 * time.Hour,
		},
	}

	gaps, err := det.Detect(context.Background(), "BTC", dto.Interval1d, day(1), day(10), caps)
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	assert.True(t, gaps[0].Unfillable, "gap starting day 3 predates look-back")
	assert.False(t, gaps[1].Unfillable, "gap starting day 7 is inside look-back")

	fillable, unfillable := Split(gaps)
	assert.Len(t, fillable, 1)
	assert.Len(t, unfillable, 1)
}

func TestPlanSmallestAndMostRecentFirst(t *testing.T) {
	gaps := []Gap{
		{Ticker: "BTC", Interval: dto.Interval1d, From: day(1), To: day(5), Bars: 5},
		{Ticker: "BTC", Interval: dto.Interval1d, From: day(8), To: day(9), Bars: 2},
		{Ticker: "BTC", Interval: dto.Interval1d, From: day(12), To: day(13), Bars: 2},
		{Ticker: "BTC", Interval: dto.Interval1d, From: day(20), To: day(22), Bars: 3, Unfillable: true},
	}

	reqs := Plan(gaps, source.Capabilities{MaxRowsPerCall: 1000})
	require.Len(t, reqs, 3)

	// Ties on size break toward the more recent gap.
	assert.Equal(t, day(12), reqs[0].Start)
	assert.Equal(t, day(8), reqs[1].Start)
	assert.Equal(t, day(1), reqs[2].Start)
}

func TestPlanSlicesToProviderLimit(t *testing.T) {
	g := Gap{Ticker: "BTC", Interval: dto.Interval1d, From: day(1), To: day(10), Bars: 10}

	reqs := Plan([]Gap{g}, source.Capabilities{MaxRowsPerCall: 4})
	require.Len(t, reqs, 3)

	assert.Equal(t, 4, reqs[0].Bars)
	assert.Equal(t, day(1), reqs[0].Start)
	assert.Equal(t, day(5), reqs[0].End)

	assert.Equal(t, 4, reqs[1].Bars)
	assert.Equal(t, day(5), reqs[1].Start)

	assert.Equal(t, 2, reqs[2].Bars)
	assert.Equal(t, day(9), reqs[2].Start)
	assert.Equal(t, day(11), reqs[2].End)
}

func TestPlanIgnoresUnfillable(t *testing.T) {
	reqs := Plan([]Gap{
		{Ticker: "BTC", Interval: dto.Interval1d, From: day(1), To: day(3), Bars: 3, Unfillable: true},
	}, source.Capabilities{MaxRowsPerCall: 100})
	assert.Empty(t, reqs)
}
