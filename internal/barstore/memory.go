package barstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finscope/pricesync/internal/dto"
)

// MemoryStore is an in-process BarStore with the same idempotent-write
// semantics as the ClickHouse implementation. It backs tests and dry-run
// planning.
type MemoryStore struct {
	mu   sync.RWMutex
	bars map[string]map[string]dto.PriceBarDTO // ticker|interval -> ts -> bar
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bars: make(map[string]map[string]dto.PriceBarDTO)}
}

func seriesKey(ticker string, iv dto.Interval) string {
	return ticker + "|" + string(iv)
}

func (s *MemoryStore) WriteBars(ctx context.Context, iv dto.Interval, bars []dto.PriceBarDTO) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result WriteResult
	for i := range bars {
		b := bars[i]
		if b.Interval != iv {
			return WriteResult{}, &StoreWriteError{
				Interval: iv,
				FromRow:  i,
				ToRow:    i,
				Err:      fmt.Errorf("%w: row %s, batch %s", ErrMixedInterval, b.Interval, iv),
			}
		}
		key := seriesKey(b.Ticker, iv)
		series, ok := s.bars[key]
		if !ok {
			series = make(map[string]dto.PriceBarDTO)
			s.bars[key] = series
		}
		tsKey := b.Timestamp.UTC().Format(time.RFC3339Nano)
		if _, exists := series[tsKey]; exists {
			result.Skipped++
			continue
		}
		series[tsKey] = b
		result.Written++
	}
	return result, nil
}

func (s *MemoryStore) Timestamps(ctx context.Context, ticker string, iv dto.Interval, from, to time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.bars[seriesKey(ticker, iv)]
	out := make([]time.Time, 0, len(series))
	for tsKey := range series {
		ts, err := time.Parse(time.RFC3339Nano, tsKey)
		if err != nil {
			continue
		}
		if ts.Before(from) || ts.After(to) {
			continue
		}
		out = append(out, ts.UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) LatestTimestamp(ctx context.Context, ticker string, iv dto.Interval) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for tsKey := range s.bars[seriesKey(ticker, iv)] {
		ts, err := time.Parse(time.RFC3339Nano, tsKey)
		if err != nil {
			continue
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest.UTC(), nil
}

func (s *MemoryStore) CountBars(ctx context.Context, ticker string, iv dto.Interval) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.bars[seriesKey(ticker, iv)])), nil
}

func (s *MemoryStore) Close() error { return nil }
