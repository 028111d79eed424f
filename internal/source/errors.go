package source

import (
	"errors"
	"fmt"
	"time"

	"finscope/pricesync/internal/dto"
)

// Sentinel dispatch errors returned by the guard before any provider call
// is made.
var (
	// ErrSourceDisabled means the source is administratively disabled or
	// missing its credential; it is never dispatched to until re-enabled.
	ErrSourceDisabled = errors.New("source disabled")

	// ErrBreakerOpen means the circuit breaker is rejecting dispatch until
	// its cooldown elapses.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// TransientError marks a failure worth retrying: network errors, timeouts,
// provider 5xx responses.
type TransientError struct {
	Source string
	Op     string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: transient: %v", e.Source, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: unknown ticker,
// malformed response, bad credentials.
type PermanentError struct {
	Source string
	Op     string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s: permanent: %v", e.Source, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RateLimitError means the per-source request budget is exhausted or the
// provider returned 429. RetryAfter is a hint for when dispatch may
// succeed again; zero when unknown.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limit exceeded, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limit exceeded", e.Source)
}

// UnsupportedRangeError means the request is outside the provider's
// declared capability. The gap detector surfaces these as unfillable
// instead of silently truncating the request.
type UnsupportedRangeError struct {
	Source   string
	Ticker   string
	Interval dto.Interval
	Start    time.Time
	End      time.Time
	Reason   string
}

func (e *UnsupportedRangeError) Error() string {
	return fmt.Sprintf("%s: %s %s [%s, %s): %s",
		e.Source, e.Ticker, e.Interval,
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Reason)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is terminal for the request.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRateLimited reports whether err is a budget rejection.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsUnsupportedRange reports whether err is a capability rejection.
func IsUnsupportedRange(err error) bool {
	var ue *UnsupportedRangeError
	return errors.As(err, &ue)
}
