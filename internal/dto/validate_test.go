package dto

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func validBar(ts time.Time) PriceBarDTO {
	return PriceBarDTO{
		Ticker:    "BTC",
		Interval:  Interval1d,
		Timestamp: ts,
		Open:      d("100"),
		High:      d("110"),
		Low:       d("95"),
		Close:     d("105"),
		Volume:    d("12.5"),
	}
}

func TestValidateBar(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mutate    func(*PriceBarDTO)
		wantField string
	}{
		{
			name:   "valid bar passes",
			mutate: func(b *PriceBarDTO) {},
		},
		{
			name:      "empty ticker",
			mutate:    func(b *PriceBarDTO) { b.Ticker = "" },
			wantField: "ticker",
		},
		{
			name:      "unknown interval",
			mutate:    func(b *PriceBarDTO) { b.Interval = "3h" },
			wantField: "interval",
		},
		{
			name:      "zero timestamp",
			mutate:    func(b *PriceBarDTO) { b.Timestamp = time.Time{} },
			wantField: "timestamp",
		},
		{
			name:      "future timestamp beyond skew",
			mutate:    func(b *PriceBarDTO) { b.Timestamp = now.Add(10 * time.Minute) },
			wantField: "timestamp",
		},
		{
			name:   "future timestamp within skew tolerated",
			mutate: func(b *PriceBarDTO) { b.Timestamp = now.Add(2 * time.Minute) },
		},
		{
			name:      "low above high",
			mutate:    func(b *PriceBarDTO) { b.Low = d("120") },
			wantField: "low",
		},
		{
			name:      "open above high",
			mutate:    func(b *PriceBarDTO) { b.Open = d("111") },
			wantField: "open",
		},
		{
			name:      "open below low",
			mutate:    func(b *PriceBarDTO) { b.Open = d("94") },
			wantField: "open",
		},
		{
			name:      "close outside range",
			mutate:    func(b *PriceBarDTO) { b.Close = d("90") },
			wantField: "close",
		},
		{
			name:      "negative volume",
			mutate:    func(b *PriceBarDTO) { b.Volume = d("-1") },
			wantField: "volume",
		},
		{
			name:      "negative trade count",
			mutate:    func(b *PriceBarDTO) { b.TradeCount = -1 },
			wantField: "trade_count",
		},
		{
			name: "equal OHLC is a valid flat bar",
			mutate: func(b *PriceBarDTO) {
				b.Open, b.High, b.Low, b.Close = d("100"), d("100"), d("100"), d("100")
			},
		},
		{
			name:   "zero volume is valid",
			mutate: func(b *PriceBarDTO) { b.Volume = decimal.Zero },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := validBar(ts)
			tt.mutate(&bar)
			verr := ValidateBar(&bar, now)
			if tt.wantField == "" {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestValidateBatchIsolatesBadRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	bars := make([]PriceBarDTO, 0, 5)
	for i := 0; i < 5; i++ {
		bars = append(bars, validBar(base.AddDate(0, 0, i)))
	}
	bars[2].Low = d("999") // low > high

	report := ValidateBatch(bars, now)
	assert.Len(t, report.Accepted, 4)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, 2, report.Rejected[0].Row)
	assert.Equal(t, "low", report.Rejected[0].Field)
}

func TestValidateBatchRequiresIncreasingTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	bars := []PriceBarDTO{
		validBar(base),
		validBar(base.AddDate(0, 0, 1)),
		validBar(base.AddDate(0, 0, 1)), // duplicate timestamp
		validBar(base),                  // goes backwards
		validBar(base.AddDate(0, 0, 2)),
	}

	report := ValidateBatch(bars, now)
	assert.Len(t, report.Accepted, 3)
	require.Len(t, report.Rejected, 2)
	assert.Equal(t, 2, report.Rejected[0].Row)
	assert.Equal(t, 3, report.Rejected[1].Row)
}

func TestValidateBatchTracksTickersIndependently(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	eth := validBar(ts)
	eth.Ticker = "ETH"

	// Same timestamp on a different ticker is not a regression.
	report := ValidateBatch([]PriceBarDTO{validBar(ts), eth}, now)
	assert.Len(t, report.Accepted, 2)
	assert.Empty(t, report.Rejected)
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("1h")
	require.NoError(t, err)
	assert.Equal(t, Interval1h, iv)
	assert.Equal(t, time.Hour, iv.Duration())

	_, err = ParseInterval("2h")
	assert.Error(t, err)
}

func TestIntervalTruncate(t *testing.T) {
	ts := time.Date(2026, 2, 20, 13, 47, 31, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 2, 20, 13, 47, 0, 0, time.UTC), Interval1m.Truncate(ts))
	assert.Equal(t, time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC), Interval1h.Truncate(ts))
	assert.Equal(t, time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC), Interval4h.Truncate(ts))
	assert.Equal(t, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), Interval1d.Truncate(ts))
}
