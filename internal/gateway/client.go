package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"brokerhub/internal/broker"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"go.uber.org/zap"
)

// ProviderName identifies the gateway in the registry and on normalized data.
const ProviderName = "gateway"

// Client exposes the gateway session as position/transaction/price providers
// and as a broker adapter. All methods share the single Conn.
type Client struct {
	conn   *Conn
	logger *zap.Logger
}

var (
	_ provider.PositionProvider    = (*Client)(nil)
	_ provider.TransactionProvider = (*Client)(nil)
	_ provider.PriceSeriesProvider = (*Client)(nil)
	_ broker.Adapter               = (*Client)(nil)
)

// NewClient creates a client over conn.
func NewClient(conn *Conn, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger.Named("gateway")}
}

// Name returns "gateway".
func (c *Client) Name() string { return ProviderName }

// Wire DTOs. The gateway sends numeric fields as strings; they are passed
// through raw and parsed by the normalizer.
type wirePosition struct {
	Symbol    string `json:"symbol"`
	Quantity  string `json:"qty"`
	AvgPrice  string `json:"avg_price"`
	LastPrice string `json:"last_price"`
	Currency  string `json:"currency"`
	AccountID string `json:"account"`
}

type wireExec struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  string `json:"qty"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Timestamp string `json:"ts"`
	AccountID string `json:"account"`
}

type rangeParams struct {
	AccountID string `json:"account,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// FetchPositions returns current holdings from the gateway.
func (c *Client) FetchPositions(ctx context.Context, params provider.FetchParams) ([]models.Position, error) {
	var wire []wirePosition
	if err := c.conn.Call(ctx, "positions", rangeParams{AccountID: params.AccountID}, &wire); err != nil {
		return nil, fmt.Errorf("failed to fetch gateway positions: %w", err)
	}

	positions := make([]models.Position, 0, len(wire))
	for _, w := range wire {
		quantity, ok := parseWireFloat(w.Quantity)
		if !ok {
			c.logger.Warn("Skipping gateway position with bad quantity",
				zap.String("symbol", w.Symbol), zap.String("qty", w.Quantity))
			continue
		}
		avgPrice, _ := parseWireFloat(w.AvgPrice)
		lastPrice, _ := parseWireFloat(w.LastPrice)

		positions = append(positions, models.Position{
			Symbol:         w.Symbol,
			Quantity:       quantity,
			AvgEntryPrice:  avgPrice,
			CurrentPrice:   lastPrice,
			MarketValue:    quantity * lastPrice,
			UnrealizedPnL:  (lastPrice - avgPrice) * quantity,
			Currency:       w.Currency,
			InstrumentType: inferWireInstrument(w.Symbol),
			AccountID:      w.AccountID,
			Provider:       ProviderName,
		})
	}
	return positions, nil
}

// FetchTransactions returns raw execution reports for the normalizer.
func (c *Client) FetchTransactions(ctx context.Context, params provider.FetchParams) (*provider.RawBatch, error) {
	p := rangeParams{AccountID: params.AccountID}
	if !params.Start.IsZero() {
		p.Start = params.Start.Format("20060102")
	}
	if !params.End.IsZero() {
		p.End = params.End.Format("20060102")
	}

	var wire []wireExec
	if err := c.conn.Call(ctx, "executions", p, &wire); err != nil {
		return nil, fmt.Errorf("failed to fetch gateway executions: %w", err)
	}

	batch := &provider.RawBatch{Provider: ProviderName}
	for _, w := range wire {
		batch.Records = append(batch.Records, provider.RawRecord{
			ID:        w.ID,
			Kind:      w.Kind,
			Symbol:    w.Symbol,
			Side:      w.Side,
			Quantity:  w.Quantity,
			Price:     w.Price,
			Amount:    w.Amount,
			Currency:  w.Currency,
			Date:      w.Timestamp,
			AccountID: w.AccountID,
		})
	}
	return batch, nil
}

// CanPrice reports true for futures and FX only. The gateway rejects
// plain-equity symbol resolution, so asking it would just pollute the
// attempt log with certain failures.
func (c *Client) CanPrice(instrumentType string) bool {
	return instrumentType == models.InstrumentFuture || instrumentType == models.InstrumentFX
}

type barsParams struct {
	Symbol string `json:"symbol"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Period string `json:"period"`
}

type wireBars struct {
	Currency string `json:"currency"`
	Bars     []struct {
		Date  string  `json:"date"`
		Close float64 `json:"close"`
	} `json:"bars"`
}

// FetchMonthlyClose returns monthly closing prices for a futures or FX
// symbol.
func (c *Client) FetchMonthlyClose(ctx context.Context, req provider.PriceRequest) (models.PriceSeries, error) {
	symbol := req.Symbol
	if mapped, ok := req.SymbolMap[symbol]; ok {
		symbol = mapped
	}

	var wire wireBars
	err := c.conn.Call(ctx, "bars", barsParams{
		Symbol: symbol,
		Start:  req.Start.Format("20060102"),
		End:    req.End.Format("20060102"),
		Period: "1M",
	}, &wire)
	if err != nil {
		return models.PriceSeries{}, fmt.Errorf("failed to fetch gateway bars for %s: %w", symbol, err)
	}

	series := models.PriceSeries{Symbol: req.Symbol, Currency: wire.Currency}
	for _, bar := range wire.Bars {
		date, err := time.Parse("20060102", bar.Date)
		if err != nil {
			c.logger.Warn("Skipping gateway bar with bad date",
				zap.String("symbol", symbol), zap.String("date", bar.Date))
			continue
		}
		series.Points = append(series.Points, models.PricePoint{Date: date, Close: bar.Close})
	}
	return series, nil
}

type orderParams struct {
	AccountID   string  `json:"account"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"qty"`
	OrderType   string  `json:"order_type"`
	TimeInForce string  `json:"tif,omitempty"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
}

type wirePreview struct {
	EstPrice   float64  `json:"est_price"`
	EstCost    float64  `json:"est_cost"`
	Commission float64  `json:"commission"`
	Warnings   []string `json:"warnings"`
}

// PreviewOrder asks the gateway for what-if pricing.
func (c *Client) PreviewOrder(ctx context.Context, req broker.OrderRequest) (*broker.PreviewQuote, error) {
	var wire wirePreview
	if err := c.conn.Call(ctx, "preview", toOrderParams(req), &wire); err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return nil, fmt.Errorf("%w: %s", broker.ErrRejected, opErr.Detail)
		}
		return nil, err
	}

	raw, _ := json.Marshal(wire)
	return &broker.PreviewQuote{
		EstimatedPrice: wire.EstPrice,
		EstimatedCost:  wire.EstCost,
		Commission:     wire.Commission,
		Warnings:       wire.Warnings,
		Raw:            string(raw),
	}, nil
}

type wireOrderAck struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledQty  float64 `json:"filled_qty"`
	AvgPrice   float64 `json:"avg_price"`
	Commission float64 `json:"commission"`
	Reason     string  `json:"reason"`
}

// PlaceOrder submits a live order through the gateway session.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.PlacementResult, error) {
	var wire wireOrderAck
	if err := c.conn.Call(ctx, "order", toOrderParams(req), &wire); err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return &broker.PlacementResult{
				Status: models.OrderStatusRejected,
				Reason: opErr.Detail,
			}, fmt.Errorf("%w: %s", broker.ErrRejected, opErr.Detail)
		}
		return nil, err
	}

	return &broker.PlacementResult{
		BrokerOrderID:  wire.OrderID,
		Status:         mapGatewayStatus(wire.Status),
		FilledQuantity: wire.FilledQty,
		AvgFillPrice:   wire.AvgPrice,
		Commission:     wire.Commission,
		Reason:         wire.Reason,
	}, nil
}

// CancelOrder requests cancellation of an open gateway order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	err := c.conn.Call(ctx, "cancel", map[string]string{"order_id": brokerOrderID}, nil)
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return fmt.Errorf("%w: %s", broker.ErrRejected, opErr.Detail)
		}
		return err
	}
	return nil
}

func toOrderParams(req broker.OrderRequest) orderParams {
	return orderParams{
		AccountID:   req.AccountID,
		Symbol:      req.Ticker,
		Side:        req.Side,
		Quantity:    req.Quantity,
		OrderType:   req.OrderType,
		TimeInForce: req.TimeInForce,
		LimitPrice:  req.LimitPrice,
	}
}

func mapGatewayStatus(status string) string {
	switch status {
	case "FILLED":
		return models.OrderStatusExecuted
	case "PARTIAL":
		return models.OrderStatusPartial
	case "WORKING", "ACK":
		return models.OrderStatusAccepted
	case "REJECTED":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusPending
	}
}
