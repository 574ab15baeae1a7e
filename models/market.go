package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides as reported by the connector.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade represents a single executed trade on a currency pair.
// Amount keeps the sign reported by the exchange; Side is derived from it
// (positive amounts are buys, everything else is a sell).
type Trade struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
}

// Candle represents an OHLC aggregate over a fixed time bucket.
// TotalPrice and TotalVolume are zero when the upstream candle
// representation does not carry them.
type Candle struct {
	Pair        string          `json:"pair"`
	OpenPrice   decimal.Decimal `json:"open_price"`
	HighPrice   decimal.Decimal `json:"high_price"`
	LowPrice    decimal.Decimal `json:"low_price"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	OpenTime    time.Time       `json:"open_time"`
}

// Ticker is a point-in-time snapshot of the market for a pair. A later
// fetch produces a new instance, never mutates a previous one.
type Ticker struct {
	Pair                  string          `json:"pair"`
	BestBidPrice          decimal.Decimal `json:"best_bid_price"`
	BestBidQuantity       decimal.Decimal `json:"best_bid_quantity"`
	BestAskPrice          decimal.Decimal `json:"best_ask_price"`
	BestAskQuantity       decimal.Decimal `json:"best_ask_quantity"`
	DailyChange           decimal.Decimal `json:"daily_change"`
	DailyChangePercentage decimal.Decimal `json:"daily_change_percentage"`
	LastPrice             decimal.Decimal `json:"last_price"`
	Volume                decimal.Decimal `json:"volume"`
	HighPrice             decimal.Decimal `json:"high_price"`
	LowPrice              decimal.Decimal `json:"low_price"`
}

// SideForAmount derives the trade side from the sign of the traded amount.
func SideForAmount(amount decimal.Decimal) string {
	if amount.IsPositive() {
		return SideBuy
	}
	return SideSell
}
