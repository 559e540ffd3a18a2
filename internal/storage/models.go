package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RawCapture is the bronze layer: one unmodified upstream payload per logical date.
type RawCapture struct {
	LogicalDate time.Time
	Payload     json.RawMessage
	CapturedAt  time.Time
}

// NormalizedFact is the silver layer: one price per coin, currency and source timestamp.
type NormalizedFact struct {
	CoinID          string
	Currency        string
	Price           decimal.Decimal
	SourceTimestamp time.Time
	ProcessedAt     time.Time
}

// Key identifies the fact row.
func (f NormalizedFact) Key() FactKey {
	return FactKey{CoinID: f.CoinID, Currency: f.Currency, SourceTimestamp: f.SourceTimestamp.UTC()}
}

// FactKey is the silver uniqueness constraint.
type FactKey struct {
	CoinID          string
	Currency        string
	SourceTimestamp time.Time
}

// DailyAggregate is the gold layer: daily summary statistics per coin and currency.
// ChangePct is invalid when there is no usable prior-day baseline.
type DailyAggregate struct {
	MetricDate time.Time
	CoinID     string
	Currency   string
	AvgPrice   decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
	ChangePct  decimal.NullDecimal
}

// SeriesKey identifies one coin/currency series.
type SeriesKey struct {
	CoinID   string
	Currency string
}

// Series returns the coin/currency pair of the aggregate.
func (a DailyAggregate) Series() SeriesKey {
	return SeriesKey{CoinID: a.CoinID, Currency: a.Currency}
}
