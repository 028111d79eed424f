package barstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"finscope/pricesync/internal/dto"
)

// clickhouseStore implements BarStore on the native ClickHouse driver.
// Batch inserts via PrepareBatch are the high-throughput path; the
// price_bar table is a ReplacingMergeTree keyed by (ticker, interval, ts),
// so a duplicate row that races past the pre-write existence check is
// still collapsed by the engine rather than duplicated.
type clickhouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore opens a connection from the DSN and verifies it with
// a ping. Returns an error if the store is unreachable within 5 seconds.
func NewClickHouseStore(dsn string) (BarStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	return &clickhouseStore{conn: conn}, nil
}

// WriteBars appends one single-interval batch. Existing (ticker, ts) rows
// inside the batch window are skipped so re-ingesting the same input is a
// no-op.
func (s *clickhouseStore) WriteBars(ctx context.Context, iv dto.Interval, bars []dto.PriceBarDTO) (WriteResult, error) {
	if len(bars) == 0 {
		return WriteResult{}, nil
	}
	for i := range bars {
		if bars[i].Interval != iv {
			return WriteResult{}, &StoreWriteError{
				Interval: iv,
				FromRow:  i,
				ToRow:    i,
				Err:      fmt.Errorf("%w: row %s, batch %s", ErrMixedInterval, bars[i].Interval, iv),
			}
		}
	}

	existing, err := s.existingKeys(ctx, iv, bars)
	if err != nil {
		return WriteResult{}, &StoreWriteError{Interval: iv, FromRow: 0, ToRow: len(bars) - 1, Err: err}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_bar (
			ticker, interval, ts,
			open, high, low, close, volume, trade_count,
			inserted_at
		)
	`)
	if err != nil {
		return WriteResult{}, &StoreWriteError{Interval: iv, FromRow: 0, ToRow: len(bars) - 1, Err: err}
	}

	now := time.Now()
	var result WriteResult
	for i := range bars {
		b := &bars[i]
		if existing[barKey(b.Ticker, b.Timestamp)] {
			result.Skipped++
			continue
		}
		err := batch.Append(
			b.Ticker,
			string(b.Interval),
			b.Timestamp.UTC(),
			b.Open.InexactFloat64(),
			b.High.InexactFloat64(),
			b.Low.InexactFloat64(),
			b.Close.InexactFloat64(),
			b.Volume.InexactFloat64(),
			uint64(b.TradeCount),
			now,
		)
		if err != nil {
			return WriteResult{}, &StoreWriteError{Interval: iv, FromRow: i, ToRow: len(bars) - 1, Err: err}
		}
		result.Written++
	}

	if result.Written == 0 {
		// Nothing appended; Send on an empty batch is still valid but
		// pointless.
		return result, nil
	}

	if err := batch.Send(); err != nil {
		return WriteResult{}, &StoreWriteError{Interval: iv, FromRow: 0, ToRow: len(bars) - 1, Err: err}
	}
	return result, nil
}

// existingKeys fetches the (ticker, ts) pairs already stored inside the
// batch's time window.
func (s *clickhouseStore) existingKeys(ctx context.Context, iv dto.Interval, bars []dto.PriceBarDTO) (map[string]bool, error) {
	minTS, maxTS := bars[0].Timestamp, bars[0].Timestamp
	tickers := make(map[string]bool, 4)
	for i := range bars {
		if bars[i].Timestamp.Before(minTS) {
			minTS = bars[i].Timestamp
		}
		if bars[i].Timestamp.After(maxTS) {
			maxTS = bars[i].Timestamp
		}
		tickers[bars[i].Ticker] = true
	}
	tickerList := make([]string, 0, len(tickers))
	for t := range tickers {
		tickerList = append(tickerList, t)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT ticker, ts
		FROM price_bar
		WHERE ticker IN (?) AND interval = ? AND ts >= ? AND ts <= ?
	`, tickerList, string(iv), minTS.UTC(), maxTS.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var ticker string
		var ts time.Time
		if err := rows.Scan(&ticker, &ts); err != nil {
			return nil, err
		}
		existing[barKey(ticker, ts)] = true
	}
	return existing, rows.Err()
}

func (s *clickhouseStore) Timestamps(ctx context.Context, ticker string, iv dto.Interval, from, to time.Time) ([]time.Time, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT ts
		FROM price_bar
		WHERE ticker = ? AND interval = ? AND ts >= ? AND ts <= ?
		ORDER BY ts
	`, ticker, string(iv), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts.UTC())
	}
	return out, rows.Err()
}

func (s *clickhouseStore) LatestTimestamp(ctx context.Context, ticker string, iv dto.Interval) (time.Time, error) {
	var ts time.Time
	row := s.conn.QueryRow(ctx, `
		SELECT max(ts)
		FROM price_bar
		WHERE ticker = ? AND interval = ?
	`, ticker, string(iv))
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if ts.Unix() <= 0 {
		return time.Time{}, nil
	}
	return ts.UTC(), nil
}

func (s *clickhouseStore) CountBars(ctx context.Context, ticker string, iv dto.Interval) (int64, error) {
	var count uint64
	row := s.conn.QueryRow(ctx, `
		SELECT count(DISTINCT ts)
		FROM price_bar
		WHERE ticker = ? AND interval = ?
	`, ticker, string(iv))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return int64(count), nil
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}

func barKey(ticker string, ts time.Time) string {
	return ticker + "|" + ts.UTC().Format(time.RFC3339)
}
