package models

import "time"

// Lot is an open position slice created by a buy (or a short sell). Lots live
// in a per-symbol FIFO queue and are consumed by matching closes in open-date
// order. A lot is gone once QuantityRemaining reaches zero.
type Lot struct {
	Symbol            string
	QuantityRemaining float64
	OpenPrice         float64
	OpenDate          time.Time
	Currency          string
	Short             bool // true when the lot was opened by a short sell
}

// RealizedTrade is the result of matching a close against one open lot.
// Never mutated after creation.
type RealizedTrade struct {
	Symbol      string    `json:"symbol"`
	OpenDate    time.Time `json:"open_date"`
	CloseDate   time.Time `json:"close_date"`
	Quantity    float64   `json:"quantity"`
	OpenPrice   float64   `json:"open_price"`
	ClosePrice  float64   `json:"close_price"`
	PnLNative   float64   `json:"pnl_native"`
	PnLUSD      float64   `json:"pnl_usd"`
	Currency    string    `json:"currency"`
	HoldingDays int       `json:"holding_days"`
	Direction   string    `json:"direction"` // direction of the closing trade
	Win         bool      `json:"win"`
}

// IncompleteClose is a close event with no matching open lot, a data gap.
// It is surfaced for diagnostics, never silently dropped and never backfilled
// from later data.
type IncompleteClose struct {
	Symbol     string    `json:"symbol"`
	CloseDate  time.Time `json:"close_date"`
	Quantity   float64   `json:"quantity"`
	ClosePrice float64   `json:"close_price"`
	Currency   string    `json:"currency"`
	Direction  string    `json:"direction"`
	Provider   string    `json:"provider"`
}
