package models

import "time"

// Direction of a normalized trade event. Short sales and covers are kept
// distinct from plain buys/sells: a plain sell with no open lot is a data
// gap, while a short sale legitimately opens a short lot.
const (
	DirectionBuy        = "BUY"
	DirectionSell       = "SELL"
	DirectionSellShort  = "SELL_SHORT"
	DirectionBuyToCover = "BUY_TO_COVER"
)

// IsBuySide reports whether direction moves quantity into the account.
func IsBuySide(direction string) bool {
	return direction == DirectionBuy || direction == DirectionBuyToCover
}

// Instrument types recognized by the normalizers and the price chain.
const (
	InstrumentEquity = "equity"
	InstrumentOption = "option"
	InstrumentFuture = "future"
	InstrumentFX     = "fx"
	InstrumentBond   = "bond"
)

// ContractIdentity carries option/future specific contract terms.
// Nil on plain equities.
type ContractIdentity struct {
	Strike     float64   `json:"strike,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`
	Multiplier float64   `json:"multiplier,omitempty"`
	PutCall    string    `json:"put_call,omitempty"` // "PUT" or "CALL", options only
}

// NormalizedTrade is the canonical representation of a single buy/sell event
// after provider-specific translation. Immutable once created; owned by the
// normalizer that produced it.
type NormalizedTrade struct {
	Symbol         string            `json:"symbol"`
	DisplayName    string            `json:"display_name"`
	Currency       string            `json:"currency"`
	Direction      string            `json:"direction"` // DirectionBuy or DirectionSell
	Quantity       float64           `json:"quantity"`  // always positive; Direction carries the sign
	Price          float64           `json:"price"`
	TradeDate      time.Time         `json:"trade_date"`
	InstrumentType string            `json:"instrument_type"`
	AccountID      string            `json:"account_id"`
	Provider       string            `json:"provider"`
	Contract       *ContractIdentity `json:"contract,omitempty"`
}

// Income event categories.
const (
	IncomeDividend = "dividend"
	IncomeInterest = "interest"
	IncomeFee      = "fee"
	IncomeOther    = "other"
)

// NormalizedIncome is a canonical dividend/interest/fee event. Immutable.
type NormalizedIncome struct {
	Symbol    string    `json:"symbol,omitempty"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	EventDate time.Time `json:"event_date"`
	Category  string    `json:"category"`
	Provider  string    `json:"provider"`
}

// FifoRecord is the deduplication companion of a NormalizedTrade. It carries
// the composite identity used to spot the same economic event reported by two
// providers.
type FifoRecord struct {
	Symbol    string    `json:"symbol"`
	TradeDate time.Time `json:"trade_date"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Direction string    `json:"direction"`
	AccountID string    `json:"account_id"`
	Provider  string    `json:"provider"`
}

// TradePair binds a NormalizedTrade to its FifoRecord. Normalizers emit trades
// and fifo records as one unit, so the two can never drift out of alignment.
type TradePair struct {
	Trade NormalizedTrade
	Fifo  FifoRecord
}

// SecurityMeta is optional descriptive metadata keyed by symbol, passed into
// normalizers for enrichment. Missing entries only reduce display quality.
type SecurityMeta struct {
	Name         string `json:"name"`
	SecurityType string `json:"security_type"`
	Exchange     string `json:"exchange"`
}
