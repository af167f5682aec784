package models

import "time"

// PricePoint is one monthly closing price.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// PriceSeries is a monthly close series for one symbol as returned by a
// price provider.
type PriceSeries struct {
	Symbol   string       `json:"symbol"`
	Currency string       `json:"currency"`
	Points   []PricePoint `json:"points"`
}

// IsEmpty reports whether the series carries no usable data. A series of
// all-zero closes counts as empty; some upstreams pad missing months with
// zeros instead of omitting them.
func (s PriceSeries) IsEmpty() bool {
	for _, p := range s.Points {
		if p.Close != 0 {
			return false
		}
	}
	return true
}

// Position is a current holding as reported by a position provider.
type Position struct {
	Symbol         string  `json:"symbol"`
	DisplayName    string  `json:"display_name"`
	Quantity       float64 `json:"quantity"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	CurrentPrice   float64 `json:"current_price"`
	MarketValue    float64 `json:"market_value"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	Currency       string  `json:"currency"`
	InstrumentType string  `json:"instrument_type"`
	AccountID      string  `json:"account_id"`
	Provider       string  `json:"provider"`
}
