package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"finscope/pricesync/internal/dto"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }

func (s *stubAdapter) FetchInstrumentInfo(ctx context.Context, ticker string) (*dto.InstrumentDTO, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) FetchHistoricalBars(ctx context.Context, ticker string, iv dto.Interval, start, end time.Time) ([]dto.PriceBarDTO, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) FetchHoldings(ctx context.Context, ticker string) ([]dto.HoldingDTO, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) Validate(raw []byte) error { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&stubAdapter{name: "beta"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&stubAdapter{name: "alpha"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&stubAdapter{name: "alpha"}); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	a, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Name() != "alpha" {
		t.Fatalf("Get returned %q, want alpha", a.Name())
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Fatal("unknown source should fail")
	}

	names := reg.Names()
	want := []string{"alpha", "beta"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestCapabilities(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	caps := Capabilities{
		Lookback: map[dto.Interval]time.Duration{
			dto.Interval1d: 10 * 24 * time.Hour,
			dto.Interval1h: 0, // unlimited
		},
	}

	if !caps.Supports(dto.Interval1d) || !caps.Supports(dto.Interval1h) {
		t.Fatal("declared intervals should be supported")
	}
	if caps.Supports(dto.Interval1m) {
		t.Fatal("undeclared interval should not be supported")
	}

	earliest := caps.EarliestFillable(dto.Interval1d, now)
	if want := now.AddDate(0, 0, -10); !earliest.Equal(want) {
		t.Fatalf("EarliestFillable = %s, want %s", earliest, want)
	}
	if !caps.EarliestFillable(dto.Interval1h, now).IsZero() {
		t.Fatal("zero look-back should report unlimited depth")
	}
}

func TestCheckRange(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	caps := Capabilities{
		Lookback: map[dto.Interval]time.Duration{dto.Interval1d: 10 * 24 * time.Hour},
	}

	tests := []struct {
		name       string
		iv         dto.Interval
		start, end time.Time
		wantErr    bool
	}{
		{
			name:  "inside look-back",
			iv:    dto.Interval1d,
			start: now.AddDate(0, 0, -5),
			end:   now,
		},
		{
			name:    "unsupported interval",
			iv:      dto.Interval1m,
			start:   now.AddDate(0, 0, -1),
			end:     now,
			wantErr: true,
		},
		{
			name:    "predates look-back",
			iv:      dto.Interval1d,
			start:   now.AddDate(0, 0, -30),
			end:     now,
			wantErr: true,
		},
		{
			name:    "empty range",
			iv:      dto.Interval1d,
			start:   now,
			end:     now,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRange("test", caps, "BTC", tt.iv, tt.start, tt.end, now)
			if tt.wantErr && !IsUnsupportedRange(err) {
				t.Fatalf("CheckRange = %v, want UnsupportedRangeError", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("CheckRange = %v, want nil", err)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	transient := &TransientError{Source: "s", Op: "bars", Err: inner}
	permanent := &PermanentError{Source: "s", Op: "bars", Err: inner}
	limited := &RateLimitError{Source: "s", RetryAfter: time.Minute}

	if !IsTransient(transient) || IsTransient(permanent) {
		t.Fatal("IsTransient misclassifies")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Fatal("IsPermanent misclassifies")
	}
	if !IsRateLimited(limited) || IsRateLimited(transient) {
		t.Fatal("IsRateLimited misclassifies")
	}
	if !errors.Is(transient, inner) {
		t.Fatal("TransientError should unwrap to its cause")
	}

	// Wrapped errors still classify.
	wrapped := &TransientError{Source: "outer", Op: "op", Err: transient}
	if !IsTransient(wrapped) {
		t.Fatal("wrapped transient should classify")
	}
}
