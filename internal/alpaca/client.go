// Package alpaca adapts the Alpaca brokerage and market-data APIs to the
// provider and broker contracts.
package alpaca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProviderName identifies Alpaca in the registry and on normalized data.
const ProviderName = "alpaca"

// Client wraps the Alpaca trading and market-data clients.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	cfg     config.Alpaca
	logger  *zap.Logger
}

var (
	_ provider.PositionProvider    = (*Client)(nil)
	_ provider.TransactionProvider = (*Client)(nil)
	_ provider.PriceSeriesProvider = (*Client)(nil)
	_ broker.Adapter               = (*Client)(nil)
)

// NewClient creates a client from the Alpaca configuration.
func NewClient(cfg config.Alpaca, logger *zap.Logger) *Client {
	tradingOpts := alpaca.ClientOpts{
		APIKey:    cfg.ApiKey,
		APISecret: cfg.ApiSecret,
	}
	if cfg.BaseURL != "" {
		tradingOpts.BaseURL = cfg.BaseURL
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.ApiKey,
		APISecret: cfg.ApiSecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}

	return &Client{
		trading: alpaca.NewClient(tradingOpts),
		data:    marketdata.NewClient(dataOpts),
		cfg:     cfg,
		logger:  logger.Named("alpaca"),
	}
}

// Name returns "alpaca".
func (c *Client) Name() string { return ProviderName }

func (c *Client) ready() error {
	if c.cfg.ApiKey == "" || c.cfg.ApiSecret == "" {
		return fmt.Errorf("%w: alpaca credentials not configured", provider.ErrProviderUnavailable)
	}
	return nil
}

// FetchPositions returns current Alpaca holdings.
func (c *Client) FetchPositions(ctx context.Context, params provider.FetchParams) ([]models.Position, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	raw, err := c.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alpaca positions: %w", err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		pos := models.Position{
			Symbol:         p.Symbol,
			Quantity:       p.Qty.InexactFloat64(),
			AvgEntryPrice:  p.AvgEntryPrice.InexactFloat64(),
			Currency:       "USD",
			InstrumentType: assetClassToInstrument(string(p.AssetClass)),
			AccountID:      params.AccountID,
			Provider:       ProviderName,
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		if p.MarketValue != nil {
			pos.MarketValue = p.MarketValue.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = p.UnrealizedPL.InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func assetClassToInstrument(assetClass string) string {
	switch assetClass {
	case "us_option":
		return models.InstrumentOption
	default:
		return models.InstrumentEquity
	}
}

// activityTypes lists the account activities worth normalizing: fills plus
// cash events.
var activityTypes = []string{"FILL", "DIV", "INT", "FEE"}

// FetchTransactions returns raw account activities for the normalizer.
func (c *Client) FetchTransactions(ctx context.Context, params provider.FetchParams) (*provider.RawBatch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	req := alpaca.GetAccountActivitiesRequest{ActivityTypes: activityTypes}
	if !params.Start.IsZero() {
		req.After = params.Start
	}
	if !params.End.IsZero() {
		req.Until = params.End
	}

	activities, err := c.trading.GetAccountActivities(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alpaca activities: %w", err)
	}

	batch := &provider.RawBatch{Provider: ProviderName}
	for _, a := range activities {
		batch.Records = append(batch.Records, toRawRecord(a, params.AccountID))
	}
	return batch, nil
}

func toRawRecord(a alpaca.AccountActivity, accountID string) provider.RawRecord {
	rec := provider.RawRecord{
		ID:        a.ID,
		Kind:      a.ActivityType,
		Symbol:    a.Symbol,
		Side:      a.Side,
		Currency:  "USD",
		AccountID: accountID,
	}
	// Fills report sub-type (fill vs partial_fill) and a transaction
	// timestamp; cash activities only carry a settlement date and amount.
	if a.ActivityType == "FILL" {
		if a.Type != "" {
			rec.Kind = strings.ToUpper(a.Type)
		}
		rec.Quantity = a.Qty.String()
		rec.Price = a.Price.String()
		rec.Date = a.TransactionTime.Format(time.RFC3339)
		return rec
	}
	rec.Amount = a.NetAmount.String()
	rec.Date = a.Date.String()
	return rec
}

// CanPrice reports true for plain equities. Options, futures and FX go
// through the other chain providers.
func (c *Client) CanPrice(instrumentType string) bool {
	return instrumentType == models.InstrumentEquity
}

// FetchMonthlyClose returns monthly closing bars from the Alpaca
// market-data API.
func (c *Client) FetchMonthlyClose(ctx context.Context, req provider.PriceRequest) (models.PriceSeries, error) {
	if err := c.ready(); err != nil {
		return models.PriceSeries{}, err
	}

	symbol := req.Symbol
	if mapped, ok := req.SymbolMap[symbol]; ok {
		symbol = mapped
	}

	bars, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.NewTimeFrame(1, marketdata.Month),
		Start:     req.Start,
		End:       req.End,
	})
	if err != nil {
		return models.PriceSeries{}, fmt.Errorf("failed to fetch alpaca bars for %s: %w", symbol, err)
	}

	series := models.PriceSeries{Symbol: req.Symbol, Currency: "USD"}
	for _, bar := range bars {
		series.Points = append(series.Points, models.PricePoint{
			Date:  bar.Timestamp,
			Close: bar.Close,
		})
	}
	return series, nil
}

// PreviewOrder synthesizes a what-if quote from the latest trade price.
// Alpaca has no preview endpoint, so the estimate is indicative only; the
// persisted preview records it as such.
func (c *Client) PreviewOrder(ctx context.Context, req broker.OrderRequest) (*broker.PreviewQuote, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	trade, err := c.data.GetLatestTrade(req.Ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", req.Ticker, err)
	}

	price := trade.Price
	warnings := []string{"estimate from latest trade price, not a broker quote"}
	if req.OrderType == "limit" {
		price = req.LimitPrice
		warnings = warnings[:0]
	}

	return &broker.PreviewQuote{
		EstimatedPrice: price,
		EstimatedCost:  price * req.Quantity,
		Commission:     0, // commission-free equity trading
		Warnings:       warnings,
		Raw:            fmt.Sprintf(`{"latest_trade_price":%v,"trade_time":%q}`, trade.Price, trade.Timestamp.Format(time.RFC3339)),
	}, nil
}

// PlaceOrder submits a live order to Alpaca.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.PlacementResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:      req.Ticker,
		Qty:         &qty,
		Side:        toAlpacaSide(req.Side),
		Type:        alpaca.OrderType(req.OrderType),
		TimeInForce: toAlpacaTIF(req.TimeInForce),
	}
	if req.OrderType == "limit" {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	}

	order, err := c.trading.PlaceOrder(placeReq)
	if err != nil {
		if apiErr, ok := err.(*alpaca.APIError); ok {
			return &broker.PlacementResult{
				Status: models.OrderStatusRejected,
				Reason: apiErr.Message,
			}, fmt.Errorf("%w: %s", broker.ErrRejected, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to place alpaca order: %w", err)
	}

	result := &broker.PlacementResult{
		BrokerOrderID:  order.ID,
		Status:         mapAlpacaStatus(order.Status),
		FilledQuantity: order.FilledQty.InexactFloat64(),
	}
	if order.FilledAvgPrice != nil {
		result.AvgFillPrice = order.FilledAvgPrice.InexactFloat64()
	}
	return result, nil
}

// CancelOrder cancels an open Alpaca order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(brokerOrderID); err != nil {
		return fmt.Errorf("failed to cancel alpaca order %s: %w", brokerOrderID, err)
	}
	return nil
}

func toAlpacaSide(side string) alpaca.Side {
	if models.IsBuySide(side) {
		return alpaca.Buy
	}
	return alpaca.Sell
}

func toAlpacaTIF(tif string) alpaca.TimeInForce {
	switch strings.ToLower(tif) {
	case "gtc":
		return alpaca.GTC
	case "ioc":
		return alpaca.IOC
	case "fok":
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

func mapAlpacaStatus(status string) string {
	switch status {
	case "filled":
		return models.OrderStatusExecuted
	case "partially_filled":
		return models.OrderStatusPartial
	case "new", "accepted", "pending_new":
		return models.OrderStatusAccepted
	case "rejected":
		return models.OrderStatusRejected
	case "canceled":
		return models.OrderStatusCanceled
	case "expired":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusPending
	}
}
