package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawBar is a provider record before normalization. Fields stay nullable so
// gaps in the provider payload reach the transformer intact.
type RawBar struct {
	Time   time.Time           `json:"time"`
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume decimal.NullDecimal `json:"volume"`
}

// Bar represents one canonical OHLCV price point for an instrument
type Bar struct {
	InstrumentID int64           `json:"instrument_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}

// Page size bounds for bar range reads
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ClampPageSize applies the default and the upper bound to a requested page size
func ClampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
