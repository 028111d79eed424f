// Package dto defines the canonical in-memory representation of instrument,
// price-bar, and holding data shared by all source adapters and the
// ingestion engine. Provider-specific payload shapes never leave their
// driver package; everything downstream works with these types.
package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies an instrument.
type Category string

const (
	CategoryEquity    Category = "equity"
	CategoryCrypto    Category = "crypto"
	CategoryCommodity Category = "commodity"
	CategoryCurrency  Category = "currency"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryEquity, CategoryCrypto, CategoryCommodity, CategoryCurrency:
		return true
	}
	return false
}

// InstrumentDTO is the canonical description of a tradable entity.
// The ticker is its immutable identity.
type InstrumentDTO struct {
	// Ticker is the normalized symbol (e.g., "BTC", "AAPL").
	Ticker string `json:"ticker"`

	// Name is the display name.
	Name string `json:"name"`

	// Category is the asset class.
	Category Category `json:"category"`

	// QuoteCurrency is the currency prices are denominated in (e.g., "USD").
	QuoteCurrency string `json:"quote_currency"`

	// Tier is the priority class; lower means synced more eagerly.
	Tier int `json:"tier"`
}

// PriceBarDTO is one OHLCV observation for an instrument at a given
// interval and timestamp. Uniquely identified by (ticker, interval,
// timestamp). All monetary fields are fixed-point decimals; floats would
// accumulate rounding error across long histories.
type PriceBarDTO struct {
	Ticker   string   `json:"ticker"`
	Interval Interval `json:"interval"`

	// Timestamp is the bar open time, always UTC.
	Timestamp time.Time `json:"timestamp"`

	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`

	// Volume is the traded base quantity during the bar.
	Volume decimal.Decimal `json:"volume"`

	// TradeCount is the number of trades in the bar, zero when the
	// provider does not report it.
	TradeCount int64 `json:"trade_count,omitempty"`
}

// HoldingDTO is one constituent of a composite instrument (ETF, index).
type HoldingDTO struct {
	// ParentTicker is the composite instrument.
	ParentTicker string `json:"parent_ticker"`

	// Ticker is the constituent symbol.
	Ticker string `json:"ticker"`

	// Weight is the constituent weight as a fraction (0..1).
	Weight decimal.Decimal `json:"weight"`
}
