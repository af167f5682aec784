package tradier

import (
	"bytes"
	"encoding/json"
	"strings"
)

// oneOrMany decodes a field Tradier serves as either a single object or an
// array of objects depending on element count.
type oneOrMany[T any] []T

func (m *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*m = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*m = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*m = oneOrMany[T]{one}
	return nil
}

// emptyEnvelope reports whether a wrapper value is Tradier's "no data"
// shape: JSON null or the literal string "null".
func emptyEnvelope(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == `"null"`
}

type tradierPosition struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

type positionsEnvelope struct {
	Positions json.RawMessage `json:"positions"`
}

func (e positionsEnvelope) positions() []tradierPosition {
	if emptyEnvelope(e.Positions) {
		return nil
	}
	var inner struct {
		Position oneOrMany[tradierPosition] `json:"position"`
	}
	if err := json.Unmarshal(e.Positions, &inner); err != nil {
		return nil
	}
	return inner.Position
}

type tradierQuote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
}

type quotesEnvelope struct {
	Quotes json.RawMessage `json:"quotes"`
}

func (e quotesEnvelope) quotes() []tradierQuote {
	if emptyEnvelope(e.Quotes) {
		return nil
	}
	var inner struct {
		Quote oneOrMany[tradierQuote] `json:"quote"`
	}
	if err := json.Unmarshal(e.Quotes, &inner); err != nil {
		return nil
	}
	return inner.Quote
}

type tradierTradeDetail struct {
	Commission  float64 `json:"commission"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	Symbol      string  `json:"symbol"`
	TradeType   string  `json:"trade_type"`
}

type tradierEvent struct {
	Amount float64             `json:"amount"`
	Date   string              `json:"date"`
	Type   string              `json:"type"`
	Trade  *tradierTradeDetail `json:"trade,omitempty"`
}

type historyEnvelope struct {
	History json.RawMessage `json:"history"`
}

func (e historyEnvelope) events() []tradierEvent {
	if emptyEnvelope(e.History) {
		return nil
	}
	var inner struct {
		Event oneOrMany[tradierEvent] `json:"event"`
	}
	if err := json.Unmarshal(e.History, &inner); err != nil {
		return nil
	}
	return inner.Event
}

type tradierDay struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

type marketHistoryEnvelope struct {
	History json.RawMessage `json:"history"`
}

func (e marketHistoryEnvelope) days() []tradierDay {
	if emptyEnvelope(e.History) {
		return nil
	}
	var inner struct {
		Day oneOrMany[tradierDay] `json:"day"`
	}
	if err := json.Unmarshal(e.History, &inner); err != nil {
		return nil
	}
	return inner.Day
}

type tradierFault struct {
	Error oneOrMany[string] `json:"error"`
}

type previewOrder struct {
	Status     string  `json:"status"`
	Commission float64 `json:"commission"`
	Cost       float64 `json:"cost"`
	Quantity   float64 `json:"quantity"`
}

type previewEnvelope struct {
	Order  previewOrder `json:"order"`
	Errors tradierFault `json:"errors"`
}

func (e previewEnvelope) reason() string {
	if len(e.Errors.Error) > 0 {
		return strings.Join(e.Errors.Error, "; ")
	}
	return e.Order.Status
}

type submittedOrder struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

type orderEnvelope struct {
	Order  submittedOrder `json:"order"`
	Errors tradierFault   `json:"errors"`
}

func (e orderEnvelope) reason() string {
	if len(e.Errors.Error) > 0 {
		return strings.Join(e.Errors.Error, "; ")
	}
	return e.Order.Status
}

type orderDetail struct {
	ID                int     `json:"id"`
	Status            string  `json:"status"`
	ExecQuantity      float64 `json:"exec_quantity"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ReasonDescription string  `json:"reason_description"`
}

type orderStatusEnvelope struct {
	Order orderDetail `json:"order"`
}
