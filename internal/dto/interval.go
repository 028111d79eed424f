package dto

import (
	"fmt"
	"time"
)

// Interval is a fixed time bucket for aggregated price data: "1m", "5m",
// "15m", "1h", "4h", "1d". The engine never mixes intervals in one write
// batch.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// ParseInterval converts a string such as "1h" into an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}

// Valid reports whether the interval is one of the supported buckets.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the bucket width.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Truncate aligns t down to the interval grid, in UTC.
func (i Interval) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration())
}

func (i Interval) String() string { return string(i) }
