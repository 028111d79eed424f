package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finscope/pricesync/internal/dto"
)

// FileSource streams price bars from a delimited historical file with
// rows of: ticker, timestamp, open, high, low, close, volume[, trade_count].
// The header row is optional and auto-detected; comma and tab delimiters
// are both accepted. Rows that fail to parse come back as bars that fail
// validation downstream, so one bad line never kills the file.
type FileSource struct {
	reader   *csv.Reader
	interval dto.Interval
	row      int
	skipped  bool
}

// NewFileSource wraps r. The interval applies to every row; inbound files
// never mix intervals.
func NewFileSource(r io.Reader, iv dto.Interval) *FileSource {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &FileSource{reader: cr, interval: iv}
}

// Next returns the next parsed bar or io.EOF. Malformed rows return a
// *dto.ValidationError wrapped as a parse failure; callers decide whether
// to count and continue.
func (f *FileSource) Next() (*dto.PriceBarDTO, error) {
	for {
		record, err := f.reader.Read()
		if err != nil {
			return nil, err
		}
		f.row++

		if !f.skipped {
			f.skipped = true
			if looksLikeHeader(record) {
				continue
			}
		}

		bar, err := f.parseRecord(record)
		if err != nil {
			// Surface as an unparseable bar: zero values fail validation
			// in the engine, keeping the one-bad-row isolation property.
			return &dto.PriceBarDTO{Interval: f.interval}, nil
		}
		return bar, nil
	}
}

func (f *FileSource) parseRecord(record []string) (*dto.PriceBarDTO, error) {
	if len(record) < 7 {
		return nil, fmt.Errorf("row %d: want at least 7 fields, got %d", f.row, len(record))
	}

	ts, err := ParseTimestamp(strings.TrimSpace(record[1]))
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", f.row, err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, idx := range []int{2, 3, 4, 5, 6} {
		d, err := decimal.NewFromString(strings.TrimSpace(record[idx]))
		if err != nil {
			return nil, fmt.Errorf("row %d field %d: %w", f.row, idx, err)
		}
		fields[i] = d
	}

	bar := &dto.PriceBarDTO{
		Ticker:    strings.ToUpper(strings.TrimSpace(record[0])),
		Interval:  f.interval,
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}

	if len(record) >= 8 && strings.TrimSpace(record[7]) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(record[7]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d trade_count: %w", f.row, err)
		}
		bar.TradeCount = n
	}

	return bar, nil
}

// looksLikeHeader reports whether the first record is a label row: its
// timestamp column does not parse as a timestamp.
func looksLikeHeader(record []string) bool {
	if len(record) < 2 {
		return true
	}
	_, err := ParseTimestamp(strings.TrimSpace(record[1]))
	return err != nil
}

// ParseTimestamp accepts integer epochs in seconds, milliseconds,
// microseconds, or nanoseconds (precision auto-detected from magnitude),
// fractional epoch seconds, and ISO-8601 / RFC3339 strings. Everything
// comes back in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if strings.Contains(s, ".") {
		// Fractional epoch: always seconds.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %d", n)
	}

	// Precision by magnitude: 10-digit epochs are seconds until the year
	// 2286, 13 digits are milliseconds, and so on.
	switch {
	case n < 1e11:
		return time.Unix(n, 0).UTC(), nil
	case n < 1e14:
		return time.UnixMilli(n).UTC(), nil
	case n < 1e17:
		return time.UnixMicro(n).UTC(), nil
	default:
		return time.Unix(0, n).UTC(), nil
	}
}
