// Package coingecko adapts the CoinGecko REST API to the source.Adapter
// contract for crypto instruments.
//
// OHLC response format (array-of-arrays, ms epoch):
//
//	[
//	  [1700265600000, 37251.2, 37461.9, 37154.3, 37338.5],
//	  [1700352000000, 37338.5, 37599.1, 37012.8, 37414.0]
//	]
package coingecko

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finscope/pricesync/internal/dto"
	"finscope/pricesync/internal/source"
)

const (
	// Name is the registry key for this provider.
	Name = "coingecko"

	defaultBaseURL = "https://api.coingecko.com/api/v3"
	requestTimeout = 30 * time.Second

	// maxRowsPerCall matches the API's OHLC page ceiling.
	maxRowsPerCall = 500
)

// Adapter implements source.Adapter over CoinGecko.
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option tweaks adapter construction.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint, used by tests and proxies.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates a CoinGecko adapter. The API key is optional; keyless access
// gets the public rate tier.
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

// Capabilities: daily bars for a year back, hourly for 90 days. The OHLC
// endpoint reports no per-bar volume and CoinGecko has no holdings.
func (a *Adapter) Capabilities() source.Capabilities {
	return source.Capabilities{
		Intervals: []dto.Interval{dto.Interval1h, dto.Interval1d},
		Lookback: map[dto.Interval]time.Duration{
			dto.Interval1h: 90 * 24 * time.Hour,
			dto.Interval1d: 365 * 24 * time.Hour,
		},
		MaxRowsPerCall:   maxRowsPerCall,
		SupportsHoldings: false,
	}
}

// coinInfo is the subset of /coins/{id} the adapter needs; everything else
// in the payload is ignored.
type coinInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// FetchInstrumentInfo resolves ticker metadata from /coins/{id}.
func (a *Adapter) FetchInstrumentInfo(ctx context.Context, ticker string) (*dto.InstrumentDTO, error) {
	url := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=false",
		a.baseURL, coinID(ticker))

	body, err := a.get(ctx, "instrument_info", url)
	if err != nil {
		return nil, err
	}

	var info coinInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "instrument_info", Err: fmt.Errorf("decode: %w", err)}
	}
	if info.Symbol == "" || info.Name == "" {
		return nil, &source.PermanentError{Source: Name, Op: "instrument_info", Err: fmt.Errorf("missing symbol or name for %q", ticker)}
	}

	return &dto.InstrumentDTO{
		Ticker:        strings.ToUpper(info.Symbol),
		Name:          info.Name,
		Category:      dto.CategoryCrypto,
		QuoteCurrency: "USD",
		Tier:          2,
	}, nil
}

// FetchHistoricalBars fetches OHLC rows for [start, end). The endpoint is
// windowed by days-from-now, so the adapter requests the covering window
// and trims locally; the full requested range was already checked against
// capabilities, so trimming never hides an out-of-range request.
func (a *Adapter) FetchHistoricalBars(ctx context.Context, ticker string, iv dto.Interval, start, end time.Time) ([]dto.PriceBarDTO, error) {
	now := time.Now()
	if err := source.CheckRange(Name, a.Capabilities(), ticker, iv, start, end, now); err != nil {
		return nil, err
	}

	days := int(now.Sub(start).Hours()/24) + 1
	url := fmt.Sprintf("%s/coins/%s/ohlc?vs_currency=usd&days=%d", a.baseURL, coinID(ticker), days)

	body, err := a.get(ctx, "historical_bars", url)
	if err != nil {
		return nil, err
	}

	rows, err := a.decodeOHLC(body)
	if err != nil {
		return nil, err
	}

	bars := make([]dto.PriceBarDTO, 0, len(rows))
	for i, row := range rows {
		ms, err := row[0].Int64()
		if err != nil {
			return nil, &source.PermanentError{Source: Name, Op: "historical_bars", Err: fmt.Errorf("row %d timestamp: %w", i, err)}
		}
		ts := time.UnixMilli(ms).UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		prices := make([]decimal.Decimal, 4)
		for j := 1; j <= 4; j++ {
			d, err := decimal.NewFromString(row[j].String())
			if err != nil {
				return nil, &source.PermanentError{Source: Name, Op: "historical_bars", Err: fmt.Errorf("row %d col %d: %w", i, j, err)}
			}
			prices[j-1] = d
		}

		bars = append(bars, dto.PriceBarDTO{
			Ticker:    strings.ToUpper(ticker),
			Interval:  iv,
			Timestamp: iv.Truncate(ts),
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			// No per-bar volume on this endpoint; zero is valid.
			Volume: decimal.Zero,
		})
	}
	return bars, nil
}

// FetchHoldings is not applicable to crypto spot instruments.
func (a *Adapter) FetchHoldings(ctx context.Context, ticker string) ([]dto.HoldingDTO, error) {
	return nil, &source.PermanentError{Source: Name, Op: "holdings", Err: fmt.Errorf("holdings not supported")}
}

// Validate checks that a raw payload is the OHLC array-of-arrays shape.
func (a *Adapter) Validate(raw []byte) error {
	_, err := a.decodeOHLC(raw)
	return err
}

// decodeOHLC parses and shape-checks the OHLC payload. Unknown trailing
// columns are tolerated; short rows fail loudly.
func (a *Adapter) decodeOHLC(raw []byte) ([][]json.Number, error) {
	var rows [][]json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, &source.PermanentError{Source: Name, Op: "decode_ohlc", Err: fmt.Errorf("not an OHLC array: %w", err)}
	}
	for i, row := range rows {
		if len(row) < 5 {
			return nil, &source.PermanentError{Source: Name, Op: "decode_ohlc", Err: fmt.Errorf("row %d: want 5 columns, got %d", i, len(row))}
		}
	}
	return rows, nil
}

// get issues one HTTPS request and maps the status onto the error
// taxonomy.
func (a *Adapter) get(ctx context.Context, op, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &source.PermanentError{Source: Name, Op: op, Err: err}
	}
	if a.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", a.apiKey)
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
	case resp.StatusCode == http.StatusNotFound:
		return nil, &source.PermanentError{Source: Name, Op: op, Err: fmt.Errorf("not found: %s", url)}
	case resp.StatusCode >= 500:
		return nil, &source.TransientError{Source: Name, Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, &source.PermanentError{Source: Name, Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// coinID maps common tickers to CoinGecko coin IDs; unknown tickers pass
// through lowercased, which works for coins whose ID equals their name.
func coinID(ticker string) string {
	switch strings.ToUpper(ticker) {
	case "BTC":
		return "bitcoin"
	case "ETH":
		return "ethereum"
	case "SOL":
		return "solana"
	case "ADA":
		return "cardano"
	case "XRP":
		return "ripple"
	case "DOGE":
		return "dogecoin"
	default:
		return strings.ToLower(ticker)
	}
}
