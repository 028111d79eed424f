package dto

import (
	"fmt"
	"time"
)

// ClockSkewTolerance is how far into the future a bar timestamp may sit
// before it is rejected. Provider clocks drift; anything beyond this is a
// corrupted or misparsed timestamp.
const ClockSkewTolerance = 5 * time.Minute

// ValidationError reports a single rejected row. Row-level failures never
// abort a batch; callers collect them and continue.
type ValidationError struct {
	// Row is the zero-based position within the batch, -1 when the bar
	// was validated standalone.
	Row int

	// Field names the offending field.
	Field string

	// Reason is a human-readable description.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("row %d: invalid %s: %s", e.Row, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BatchReport summarizes per-row accept/reject results of a batch
// validation pass.
type BatchReport struct {
	Accepted []PriceBarDTO
	Rejected []*ValidationError
}

// ValidateBar checks a single bar against the canonical rules:
// low <= open,close <= high, non-negative volume, timestamp inside a sane
// historical window.
func ValidateBar(b *PriceBarDTO, now time.Time) *ValidationError {
	if b.Ticker == "" {
		return &ValidationError{Row: -1, Field: "ticker", Reason: "empty"}
	}
	if !b.Interval.Valid() {
		return &ValidationError{Row: -1, Field: "interval", Reason: fmt.Sprintf("unknown interval %q", b.Interval)}
	}
	if b.Timestamp.IsZero() || b.Timestamp.Unix() < 0 {
		return &ValidationError{Row: -1, Field: "timestamp", Reason: "before epoch"}
	}
	if b.Timestamp.After(now.Add(ClockSkewTolerance)) {
		return &ValidationError{Row: -1, Field: "timestamp", Reason: fmt.Sprintf("in the future: %s", b.Timestamp.Format(time.RFC3339))}
	}
	if b.Low.GreaterThan(b.High) {
		return &ValidationError{Row: -1, Field: "low", Reason: fmt.Sprintf("low %s > high %s", b.Low, b.High)}
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return &ValidationError{Row: -1, Field: "open", Reason: fmt.Sprintf("open %s outside [%s, %s]", b.Open, b.Low, b.High)}
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return &ValidationError{Row: -1, Field: "close", Reason: fmt.Sprintf("close %s outside [%s, %s]", b.Close, b.Low, b.High)}
	}
	if b.Volume.IsNegative() {
		return &ValidationError{Row: -1, Field: "volume", Reason: fmt.Sprintf("negative volume %s", b.Volume)}
	}
	if b.TradeCount < 0 {
		return &ValidationError{Row: -1, Field: "trade_count", Reason: "negative"}
	}
	return nil
}

// ValidateBatch applies ValidateBar to every row and additionally requires
// strictly increasing timestamps per ticker within the batch. One bad row
// rejects only that row; the report carries per-row accept/reject results.
func ValidateBatch(bars []PriceBarDTO, now time.Time) *BatchReport {
	report := &BatchReport{
		Accepted: make([]PriceBarDTO, 0, len(bars)),
	}

	lastSeen := make(map[string]time.Time, 4)
	for i := range bars {
		b := bars[i]
		if verr := ValidateBar(&b, now); verr != nil {
			verr.Row = i
			report.Rejected = append(report.Rejected, verr)
			continue
		}

		key := b.Ticker + "|" + string(b.Interval)
		if prev, ok := lastSeen[key]; ok && !b.Timestamp.After(prev) {
			report.Rejected = append(report.Rejected, &ValidationError{
				Row:    i,
				Field:  "timestamp",
				Reason: fmt.Sprintf("not increasing: %s <= %s", b.Timestamp.Format(time.RFC3339), prev.Format(time.RFC3339)),
			})
			continue
		}
		lastSeen[key] = b.Timestamp

		report.Accepted = append(report.Accepted, b)
	}

	return report
}
