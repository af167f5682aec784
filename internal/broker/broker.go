// Package broker defines the broker-agnostic adapter contract the execution
// service places orders through. Each brokerage integration implements
// Adapter; the execution service never sees a broker SDK type.
package broker

import (
	"context"
	"errors"
)

// ErrRejected marks a broker-side business rejection (insufficient buying
// power, unknown symbol, closed market). Distinct from transport failures,
// which surface as provider.ErrConnectionFailure.
var ErrRejected = errors.New("broker rejected")

// OrderRequest describes one order in broker-agnostic terms.
type OrderRequest struct {
	AccountID   string
	Ticker      string
	Side        string // BUY or SELL
	Quantity    float64
	OrderType   string // market or limit
	TimeInForce string
	LimitPrice  float64 // limit orders only
}

// PreviewQuote is the broker's what-if answer for an order: estimated
// economics plus any broker-side warnings. Previewing never touches the live
// order book.
type PreviewQuote struct {
	EstimatedPrice float64
	EstimatedCost  float64
	Commission     float64
	Warnings       []string
	Raw            string // raw broker payload, persisted for audit
}

// PlacementResult is the broker's answer to a live order placement.
type PlacementResult struct {
	BrokerOrderID  string
	Status         string // models.OrderStatus* value
	FilledQuantity float64
	AvgFillPrice   float64
	Commission     float64
	Reason         string // populated on rejection
}

// Adapter abstracts order operations against one brokerage.
type Adapter interface {
	// Name returns the broker identifier (e.g. "alpaca", "gateway").
	Name() string

	// PreviewOrder asks the broker for what-if pricing and margin impact.
	PreviewOrder(ctx context.Context, req OrderRequest) (*PreviewQuote, error)

	// PlaceOrder submits the order for execution.
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacementResult, error)

	// CancelOrder requests cancellation of an open order by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error
}
