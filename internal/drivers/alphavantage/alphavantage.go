// Package alphavantage adapts the Alpha Vantage REST API to the
// source.Adapter contract for equities and ETFs.
//
// Time-series payloads are object-keyed by timestamp, with string-encoded
// decimals:
//
//	{
//	  "Time Series (Daily)": {
//	    "2024-01-03": {
//	      "1. open": "184.2200",
//	      "2. high": "185.8800",
//	      "3. low":  "183.4300",
//	      "4. close":"184.2500",
//	      "5. volume":"58414460"
//	    }
//	  }
//	}
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/source"
)

const (
	// Name is the registry key for this provider.
	Name = "alphavantage"

	defaultBaseURL = "https://www.alphavantage.co/query"
	requestTimeout = 30 * time.Second

	maxRowsPerCall = 5000
)

// Adapter implements source.Adapter over Alpha Vantage.
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option tweaks adapter construction.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates an Alpha Vantage adapter. The API key is required by the
// provider for every function.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return Name }

// Capabilities: deep daily history, 30 days of minute bars, and ETF
// holdings through the ETF_PROFILE function.
func (a *Adapter) Capabilities() source.Capabilities {
	return source.Capabilities{
		Intervals: []dto.Interval{dto.Interval1m, dto.Interval1d},
		Lookback: map[dto.Interval]time.Duration{
			dto.Interval1m: 30 * 24 * time.Hour,
			dto.Interval1d: 7300 * 24 * time.Hour,
		},
		MaxRowsPerCall:   maxRowsPerCall,
		SupportsHoldings: true,
	}
}

// overviewPayload is the subset of the OVERVIEW function the adapter
// consumes.
type overviewPayload struct {
	Symbol    string `json:"Symbol"`
	Name      string `json:"Name"`
	AssetType string `json:"AssetType"`
	Currency  string `json:"Currency"`
}

// FetchInstrumentInfo resolves ticker metadata from the OVERVIEW function.
func (a *Adapter) FetchInstrumentInfo(ctx context.Context, ticker string) (*dto.InstrumentDTO, error) {
	body, err := a.get(ctx, "instrument_info", url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {strings.ToUpper(ticker)},
	})
	if err != nil {
		return nil, err
	}

	var ov overviewPayload
	if err := json.Unmarshal(body, &ov); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "instrument_info", Err: fmt.Errorf("decode: %w", err)}
	}
	if ov.Symbol == "" || ov.Name == "" {
		return nil, &source.PermanentError{Source: Name, Op: "instrument_info", Err: fmt.Errorf("no overview data for %q", ticker)}
	}

	currency := ov.Currency
	if currency == "" {
		currency = "USD"
	}
	return &dto.InstrumentDTO{
		Ticker:        strings.ToUpper(ov.Symbol),
		Name:          ov.Name,
		Category:      dto.CategoryEquity,
		QuoteCurrency: currency,
		Tier:          1,
	}, nil
}

// barFields is one object-keyed time-series row. Prices and volume arrive
// as strings and are parsed into decimals without a float round-trip.
type barFields struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// FetchHistoricalBars fetches bars for [start, end). Daily bars come from
// TIME_SERIES_DAILY, minute bars from TIME_SERIES_INTRADAY. The provider
// returns whole months or the full history; the adapter trims locally.
func (a *Adapter) FetchHistoricalBars(ctx context.Context, ticker string, iv dto.Interval, start, end time.Time) ([]dto.PriceBarDTO, error) {
	if err := source.CheckRange(Name, a.Capabilities(), ticker, iv, start, end, time.Now()); err != nil {
		return nil, err
	}

	params := url.Values{"symbol": {strings.ToUpper(ticker)}, "outputsize": {"full"}}
	var seriesKey string
	switch iv {
	case dto.Interval1d:
		params.Set("function", "TIME_SERIES_DAILY")
		seriesKey = "Time Series (Daily)"
	case dto.Interval1m:
		params.Set("function", "TIME_SERIES_INTRADAY")
		params.Set("interval", "1min")
		seriesKey = "Time Series (1min)"
	default:
		// CheckRange already rejected everything else.
		return nil, &source.UnsupportedRangeError{Source: Name, Ticker: ticker, Interval: iv, Reason: "interval not supported"}
	}

	body, err := a.get(ctx, "historical_bars", params)
	if err != nil {
		return nil, err
	}

	series, err := decodeSeries(body, seriesKey)
	if err != nil {
		return nil, err
	}

	bars := make([]dto.PriceBarDTO, 0, len(series))
	for key, fields := range series {
		ts, err := parseSeriesTime(key)
		if err != nil {
			return nil, &source.PermanentError{Source: Name, Op: "historical_bars", Err: err}
		}
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		bar, err := fields.toBar(ticker, iv, ts)
		if err != nil {
			return nil, &source.PermanentError{Source: Name, Op: "historical_bars", Err: fmt.Errorf("row %s: %w", key, err)}
		}
		bars = append(bars, bar)
	}
	sortBars(bars)
	return bars, nil
}

func (f barFields) toBar(ticker string, iv dto.Interval, ts time.Time) (dto.PriceBarDTO, error) {
	var bar dto.PriceBarDTO
	for _, field := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", f.Open, &bar.Open},
		{"high", f.High, &bar.High},
		{"low", f.Low, &bar.Low},
		{"close", f.Close, &bar.Close},
		{"volume", f.Volume, &bar.Volume},
	} {
		if field.raw == "" {
			return bar, fmt.Errorf("missing required field %q", field.name)
		}
		d, err := decimal.NewFromString(field.raw)
		if err != nil {
			return bar, fmt.Errorf("field %q: %w", field.name, err)
		}
		*field.dst = d
	}
	bar.Ticker = strings.ToUpper(ticker)
	bar.Interval = iv
	bar.Timestamp = iv.Truncate(ts)
	return bar, nil
}

// holdingsPayload is the subset of ETF_PROFILE the adapter consumes.
type holdingsPayload struct {
	Holdings []struct {
		Symbol string `json:"symbol"`
		Weight string `json:"weight"`
	} `json:"holdings"`
}

// FetchHoldings returns ETF constituents from the ETF_PROFILE function.
func (a *Adapter) FetchHoldings(ctx context.Context, ticker string) ([]dto.HoldingDTO, error) {
	body, err := a.get(ctx, "holdings", url.Values{
		"function": {"ETF_PROFILE"},
		"symbol":   {strings.ToUpper(ticker)},
	})
	if err != nil {
		return nil, err
	}

	var payload holdingsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "holdings", Err: fmt.Errorf("decode: %w", err)}
	}
	if len(payload.Holdings) == 0 {
		return nil, &source.PermanentError{Source: Name, Op: "holdings", Err: fmt.Errorf("no holdings for %q", ticker)}
	}

	out := make([]dto.HoldingDTO, 0, len(payload.Holdings))
	for _, h := range payload.Holdings {
		if h.Symbol == "" || h.Weight == "" {
			return nil, &source.PermanentError{Source: Name, Op: "holdings", Err: fmt.Errorf("constituent missing symbol or weight")}
		}
		w, err := decimal.NewFromString(h.Weight)
		if err != nil {
			return nil, &source.PermanentError{Source: Name, Op: "holdings", Err: fmt.Errorf("constituent %s weight: %w", h.Symbol, err)}
		}
		out = append(out, dto.HoldingDTO{
			ParentTicker: strings.ToUpper(ticker),
			Ticker:       strings.ToUpper(h.Symbol),
			Weight:       w,
		})
	}
	return out, nil
}

// Validate checks that a raw payload contains a recognizable time-series
// object with complete rows.
func (a *Adapter) Validate(raw []byte) error {
	for _, key := range []string{"Time Series (Daily)", "Time Series (1min)"} {
		series, err := decodeSeries(raw, key)
		if err != nil {
			continue
		}
		for ts, fields := range series {
			t, err := parseSeriesTime(ts)
			if err != nil {
				return &source.PermanentError{Source: Name, Op: "validate", Err: err}
			}
			if _, err := fields.toBar("X", dto.Interval1d, t); err != nil {
				return &source.PermanentError{Source: Name, Op: "validate", Err: fmt.Errorf("row %s: %w", ts, err)}
			}
		}
		return nil
	}
	return &source.PermanentError{Source: Name, Op: "validate", Err: fmt.Errorf("no time series object in payload")}
}

func decodeSeries(raw []byte, key string) (map[string]barFields, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "decode_series", Err: fmt.Errorf("not a JSON object: %w", err)}
	}
	// The provider reports errors as 200s with a note field.
	if msg, ok := envelope["Error Message"]; ok {
		return nil, &source.PermanentError{Source: Name, Op: "decode_series", Err: fmt.Errorf("provider error: %s", msg)}
	}
	if _, ok := envelope["Note"]; ok {
		// Throttle notes arrive as HTTP 200 with no Retry-After equivalent.
		return nil, &source.RateLimitError{Source: Name}
	}

	seriesRaw, ok := envelope[key]
	if !ok {
		return nil, &source.PermanentError{Source: Name, Op: "decode_series", Err: fmt.Errorf("missing %q", key)}
	}
	var series map[string]barFields
	if err := json.Unmarshal(seriesRaw, &series); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "decode_series", Err: fmt.Errorf("decode %q: %w", key, err)}
	}
	return series, nil
}

// parseSeriesTime accepts both the daily date form and the intraday
// datetime form, interpreted as UTC.
func parseSeriesTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable series timestamp %q", s)
}

// sortBars orders output ascending; object-keyed payloads carry no order.
func sortBars(bars []dto.PriceBarDTO) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

// get issues one HTTPS request and maps the status onto the error
// taxonomy.
func (a *Adapter) get(ctx context.Context, op string, params url.Values) ([]byte, error) {
	params.Set("apikey", a.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &source.PermanentError{Source: Name, Op: op, Err: err}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &source.TransientError{Source: Name, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.TransientError{Source: Name, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &source.RateLimitError{Source: Name, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &source.TransientError{Source: Name, Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, &source.PermanentError{Source: Name, Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
