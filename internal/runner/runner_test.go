package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finscope/pricesync/internal/barstore"
	"finscope/pricesync/internal/catalog"
	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/guard"
	"finscope/pricesync/internal/ingest"
	"finscope/pricesync/internal/source"
)

func day(n int) time.Time {
	return time.Date(2026, 2, n, 0, 0, 0, 0, time.UTC)
}

func bar(ticker string, ts time.Time) dto.PriceBarDTO {
	return dto.PriceBarDTO{
		Ticker:    ticker,
		Interval:  dto.Interval1d,
		Timestamp: ts,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(95),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(1),
	}
}

func history(ticker string, from, to int) []dto.PriceBarDTO {
	var out []dto.PriceBarDTO
	for n := from; n <= to; n++ {
		out = append(out, bar(ticker, day(n)))
	}
	return out
}

// fakeAdapter serves a fixed history and counts fetches.
type fakeAdapter struct {
	name    string
	caps    source.Capabilities
	bars    map[string][]dto.PriceBarDTO
	failErr error

	mu      sync.Mutex
	fetches int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities() source.Capabilities { return f.caps }

func (f *fakeAdapter) FetchInstrumentInfo(ctx context.Context, ticker string) (*dto.InstrumentDTO, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &dto.InstrumentDTO{
		Ticker: ticker, Name: ticker + " Coin", Category: dto.CategoryCrypto, QuoteCurrency: "USD",
	}, nil
}

func (f *fakeAdapter) FetchHistoricalBars(ctx context.Context, ticker string, iv dto.Interval, start, end time.Time) ([]dto.PriceBarDTO, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	var out []dto.PriceBarDTO
	for _, b := range f.bars[ticker] {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeAdapter) FetchHoldings(ctx context.Context, ticker string) ([]dto.HoldingDTO, error) {
	return nil, &source.PermanentError{Source: f.name, Op: "holdings", Err: errors.New("unsupported")}
}

func (f *fakeAdapter) Validate(raw []byte) error { return nil }

// fakeCatalog records upserts and health snapshots.
type fakeCatalog struct {
	mu       sync.Mutex
	upserted []catalog.Instrument
	health   map[string]float64
}

func (c *fakeCatalog) UpsertInstrument(ctx context.Context, inst *catalog.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserted = append(c.upserted, *inst)
	return nil
}

func (c *fakeCatalog) SaveSourceHealth(ctx context.Context, name string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == nil {
		c.health = make(map[string]float64)
	}
	c.health[name] = score
	return nil
}

// fakeAudit tracks record lifecycles.
type fakeAudit struct {
	mu        sync.Mutex
	begun     int
	completed int
	partial   int
	failed    int
	counts    catalog.Counts
}

func (a *fakeAudit) Begin(ctx context.Context, ticker, src string, kind catalog.SyncKind) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.begun++
	return uuid.New(), nil
}

func (a *fakeAudit) Complete(ctx context.Context, id uuid.UUID, counts catalog.Counts) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed++
	a.counts = counts
	return nil
}

func (a *fakeAudit) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++
	return nil
}

func (a *fakeAudit) MarkPartial(ctx context.Context, id uuid.UUID, counts catalog.Counts, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial++
	a.counts = counts
	return nil
}

type fixture struct {
	runner  *Runner
	store   *barstore.MemoryStore
	catalog *fakeCatalog
	audit   *fakeAudit
	guards  *guard.Registry
}

func newFixture(t *testing.T, adapters ...source.Adapter) *fixture {
	t.Helper()

	guardLog := logrus.New()
	guardLog.SetLevel(logrus.PanicLevel)

	sources := source.NewRegistry()
	guards := guard.NewRegistry(guardLog)
	for _, a := range adapters {
		require.NoError(t, sources.Register(a))
		guards.Add(a.Name(), guard.Config{PerMinute: 100000})
	}

	store := barstore.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	cat := &fakeCatalog{}
	audit := &fakeAudit{}

	r := New(sources, guards, ingest.NewEngine(store, logger), store, cat, audit, logger)
	r.now = func() time.Time { return day(10) }
	return &fixture{runner: r, store: store, catalog: cat, audit: audit, guards: guards}
}

func defaultCaps() source.Capabilities {
	return source.Capabilities{
		Lookback:       map[dto.Interval]time.Duration{dto.Interval1d: 0},
		MaxRowsPerCall: 100,
	}
}

func TestIncrementalSyncResumesFromLatestBar(t *testing.T) {
	adapter := &fakeAdapter{
		name: "prov",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	f := newFixture(t, adapter)
	ctx := context.Background()

	// Days 1-5 already stored; the run should fetch forward only.
	_, err := f.store.WriteBars(ctx, dto.Interval1d, history("BTC", 1, 5))
	require.NoError(t, err)

	report, err := f.runner.Run(ctx, []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Source:     "prov",
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	require.NoError(t, report.Outcomes[0].Err)

	// [day 6, day 10) is four new bars.
	assert.Equal(t, 4, report.Outcomes[0].Counts.Written)
	assert.Equal(t, 0, report.Outcomes[0].Counts.Skipped)
	assert.Equal(t, 1, f.audit.completed)

	count, err := f.store.CountBars(ctx, "BTC", dto.Interval1d)
	require.NoError(t, err)
	assert.EqualValues(t, 9, count)
}

func TestIncrementalSyncUpToDateIsANoop(t *testing.T) {
	adapter := &fakeAdapter{
		name: "prov",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	f := newFixture(t, adapter)
	ctx := context.Background()

	_, err := f.store.WriteBars(ctx, dto.Interval1d, history("BTC", 1, 9))
	require.NoError(t, err)

	report, err := f.runner.Run(ctx, []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Source:     "prov",
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.NoError(t, report.Outcomes[0].Err)
	assert.Equal(t, 0, report.Outcomes[0].Counts.Written)
	assert.Equal(t, 0, adapter.fetches, "up-to-date series needs no provider call")
	assert.Equal(t, 1, f.audit.completed, "no-op runs still close their record")
}

func TestIncrementalSyncSeedsEmptySeries(t *testing.T) {
	adapter := &fakeAdapter{
		name: "prov",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	f := newFixture(t, adapter)
	f.runner.SeedLookback = 3 * 24 * time.Hour

	report, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Source:     "prov",
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.NoError(t, report.Outcomes[0].Err)

	// Seed window is [day 7, day 10): three bars.
	assert.Equal(t, 3, report.Outcomes[0].Counts.Written)
}

func TestFullSyncRefreshesMetadataAndHistory(t *testing.T) {
	adapter := &fakeAdapter{
		name: "prov",
		caps: source.Capabilities{
			Lookback:       map[dto.Interval]time.Duration{dto.Interval1d: 5 * 24 * time.Hour},
			MaxRowsPerCall: 100,
		},
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	f := newFixture(t, adapter)

	report, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC", Tier: 2},
		Source:     "prov",
		Kind:       catalog.SyncFull,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.NoError(t, report.Outcomes[0].Err)

	require.Len(t, f.catalog.upserted, 1)
	assert.Equal(t, "BTC", f.catalog.upserted[0].Ticker)
	assert.Equal(t, "BTC Coin", f.catalog.upserted[0].Name)
	assert.Equal(t, 2, f.catalog.upserted[0].Tier)

	// Provider look-back is 5 days from day 10: [day 5, day 10) lands.
	assert.Equal(t, 5, report.Outcomes[0].Counts.Written)
}

func TestRunPicksBestSourceWhenUnspecified(t *testing.T) {
	good := &fakeAdapter{
		name: "good",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	bad := &fakeAdapter{name: "bad", caps: defaultCaps()}
	f := newFixture(t, good, bad)

	// Push "bad" below "good" in the ranking.
	for i := 0; i < 5; i++ {
		f.guards.Get("good").Record(nil)
		f.guards.Get("bad").Record(errors.New("flaky"))
	}

	report, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "good", report.Outcomes[0].Source)
}

func TestRunNoDispatchableSourceFailsTheJob(t *testing.T) {
	adapter := &fakeAdapter{name: "prov", caps: defaultCaps()}
	f := newFixture(t, adapter)
	f.guards.Get("prov").SetEnabled(false)

	report, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Error(t, report.Outcomes[0].Err)
	assert.Equal(t, 0, f.audit.begun, "unroutable jobs never open a record")
}

func TestProviderFailureClosesRecordAsFailed(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "prov",
		caps:    defaultCaps(),
		failErr: &source.TransientError{Source: "prov", Op: "bars", Err: errors.New("timeout")},
	}
	f := newFixture(t, adapter)

	report, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Source:     "prov",
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)
	assert.Error(t, report.Outcomes[0].Err)
	assert.Equal(t, 1, f.audit.failed)
	assert.Equal(t, 1, report.Failed())
}

func TestRunPersistsSourceHealth(t *testing.T) {
	adapter := &fakeAdapter{
		name: "prov",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	f := newFixture(t, adapter)

	_, err := f.runner.Run(context.Background(), []Job{{
		Instrument: catalog.Instrument{Ticker: "BTC"},
		Source:     "prov",
		Kind:       catalog.SyncIncremental,
		Interval:   dto.Interval1d,
	}})
	require.NoError(t, err)

	f.catalog.mu.Lock()
	defer f.catalog.mu.Unlock()
	_, ok := f.catalog.health["prov"]
	assert.True(t, ok, "run should snapshot the source's reliability score")
}

func TestJobsAcrossSourcesRunIndependently(t *testing.T) {
	a := &fakeAdapter{
		name: "a",
		caps: defaultCaps(),
		bars: map[string][]dto.PriceBarDTO{"BTC": history("BTC", 1, 10)},
	}
	b := &fakeAdapter{
		name:    "b",
		caps:    defaultCaps(),
		failErr: &source.TransientError{Source: "b", Op: "bars", Err: errors.New("down")},
	}
	f := newFixture(t, a, b)

	report, err := f.runner.Run(context.Background(), []Job{
		{Instrument: catalog.Instrument{Ticker: "BTC"}, Source: "a", Kind: catalog.SyncIncremental, Interval: dto.Interval1d},
		{Instrument: catalog.Instrument{Ticker: "ETH"}, Source: "b", Kind: catalog.SyncIncremental, Interval: dto.Interval1d},
	})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	// One source failing does not poison the other's queue.
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, f.audit.completed+f.audit.partial)
	assert.Equal(t, 1, f.audit.failed)
}
