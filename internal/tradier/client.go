// Package tradier is a client for the Tradier brokerage REST API. Tradier
// wraps every payload in a named envelope and collapses single-element
// arrays into bare objects, so decoding goes through tolerant envelope
// types rather than straight DTOs.
package tradier

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderName identifies Tradier in the registry and on normalized data.
const ProviderName = "tradier"

const defaultBaseURL = "https://api.tradier.com/v1"

// Client is a client for the Tradier REST API.
type Client struct {
	client  *resty.Client
	cfg     config.Tradier
	logger  *zap.Logger
	limiter *rate.Limiter
}

var (
	_ provider.PositionProvider    = (*Client)(nil)
	_ provider.TransactionProvider = (*Client)(nil)
	_ provider.PriceSeriesProvider = (*Client)(nil)
	_ broker.Adapter               = (*Client)(nil)
)

// NewClient creates a new Tradier REST API client.
func NewClient(cfg config.Tradier, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.AccessToken)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("tradier"),
		limiter: limiter,
	}
}

// Name returns "tradier".
func (c *Client) Name() string { return ProviderName }

func (c *Client) ready() error {
	if c.cfg.AccessToken == "" || c.cfg.AccountID == "" {
		return fmt.Errorf("%w: tradier credentials not configured", provider.ErrProviderUnavailable)
	}
	return nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// FetchPositions returns current Tradier holdings, enriched with last trade
// prices from the quotes endpoint.
func (c *Client) FetchPositions(ctx context.Context, params provider.FetchParams) ([]models.Position, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var envelope positionsEnvelope
	req := c.client.R().SetResult(&envelope).SetContext(ctx)
	_, err := c.doRequest(ctx, "GET", "/accounts/"+c.accountID(params)+"/positions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get tradier positions: %w", err)
	}

	raw := envelope.positions()
	if len(raw) == 0 {
		return nil, nil
	}

	quotes, err := c.fetchQuotes(ctx, symbolsOf(raw))
	if err != nil {
		c.logger.Warn("Quotes unavailable, returning positions without marks", zap.Error(err))
		quotes = nil
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		instrumentType := models.InstrumentEquity
		if len(p.Symbol) > 6 { // OCC option symbols are long; plain tickers are not
			instrumentType = models.InstrumentOption
		}
		pos := models.Position{
			Symbol:         p.Symbol,
			Quantity:       p.Quantity,
			Currency:       "USD",
			InstrumentType: instrumentType,
			AccountID:      c.accountID(params),
			Provider:       ProviderName,
		}
		if p.Quantity != 0 {
			pos.AvgEntryPrice = p.CostBasis / p.Quantity
		}
		if last, ok := quotes[p.Symbol]; ok {
			pos.CurrentPrice = last
			pos.MarketValue = last * p.Quantity
			pos.UnrealizedPnL = pos.MarketValue - p.CostBasis
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *Client) accountID(params provider.FetchParams) string {
	if params.AccountID != "" {
		return params.AccountID
	}
	return c.cfg.AccountID
}

func symbolsOf(positions []tradierPosition) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Symbol)
	}
	return out
}

// fetchQuotes returns last trade prices keyed by symbol.
func (c *Client) fetchQuotes(ctx context.Context, syms []string) (map[string]float64, error) {
	if len(syms) == 0 {
		return nil, nil
	}

	var envelope quotesEnvelope
	req := c.client.R().
		SetResult(&envelope).
		SetQueryParam("symbols", joinSymbols(syms)).
		SetContext(ctx)
	_, err := c.doRequest(ctx, "GET", "/markets/quotes", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get tradier quotes: %w", err)
	}

	out := make(map[string]float64)
	for _, q := range envelope.quotes() {
		out[q.Symbol] = q.Last
	}
	return out, nil
}

// FetchTransactions returns raw account history events for the normalizer.
func (c *Client) FetchTransactions(ctx context.Context, params provider.FetchParams) (*provider.RawBatch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	req := c.client.R().SetResult(&historyEnvelope{}).SetContext(ctx)
	if !params.Start.IsZero() {
		req.SetQueryParam("start", params.Start.Format("2006-01-02"))
	}
	if !params.End.IsZero() {
		req.SetQueryParam("end", params.End.Format("2006-01-02"))
	}
	req.SetQueryParam("limit", "1000")

	resp, err := c.doRequest(ctx, "GET", "/accounts/"+c.accountID(params)+"/history", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get tradier history: %w", err)
	}
	envelope := resp.Result().(*historyEnvelope)

	batch := &provider.RawBatch{Provider: ProviderName}
	for i, event := range envelope.events() {
		rec := provider.RawRecord{
			ID:        fmt.Sprintf("tradier-%s-%d", event.Date, i),
			Kind:      event.Type,
			Date:      event.Date,
			Currency:  "USD",
			AccountID: c.accountID(params),
			Amount:    strconv.FormatFloat(event.Amount, 'f', -1, 64),
		}
		if event.Trade != nil {
			rec.Symbol = event.Trade.Symbol
			rec.Description = event.Trade.Description
			rec.Quantity = strconv.FormatFloat(event.Trade.Quantity, 'f', -1, 64)
			rec.Price = strconv.FormatFloat(event.Trade.Price, 'f', -1, 64)
			// History rows carry no side field; the quantity sign is the
			// only direction signal.
			if event.Trade.Quantity < 0 {
				rec.Side = "sell"
			} else {
				rec.Side = "buy"
			}
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// CanPrice reports true for equities and options.
func (c *Client) CanPrice(instrumentType string) bool {
	return instrumentType == models.InstrumentEquity || instrumentType == models.InstrumentOption
}

// FetchMonthlyClose returns monthly closing prices from the market history
// endpoint.
func (c *Client) FetchMonthlyClose(ctx context.Context, priceReq provider.PriceRequest) (models.PriceSeries, error) {
	if err := c.ready(); err != nil {
		return models.PriceSeries{}, err
	}

	symbol := priceReq.Symbol
	if mapped, ok := priceReq.SymbolMap[symbol]; ok {
		symbol = mapped
	}

	var envelope marketHistoryEnvelope
	req := c.client.R().
		SetResult(&envelope).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": "monthly",
			"start":    priceReq.Start.Format("2006-01-02"),
			"end":      priceReq.End.Format("2006-01-02"),
		}).
		SetContext(ctx)
	_, err := c.doRequest(ctx, "GET", "/markets/history", req)
	if err != nil {
		return models.PriceSeries{}, fmt.Errorf("failed to get tradier history for %s: %w", symbol, err)
	}

	series := models.PriceSeries{Symbol: priceReq.Symbol, Currency: "USD"}
	for _, day := range envelope.days() {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			c.logger.Warn("Skipping tradier bar with bad date",
				zap.String("symbol", symbol), zap.String("date", day.Date))
			continue
		}
		series.Points = append(series.Points, models.PricePoint{Date: date, Close: day.Close})
	}
	return series, nil
}

func (c *Client) orderParams(req broker.OrderRequest) map[string]string {
	side := "buy"
	if !models.IsBuySide(req.Side) {
		side = "sell"
	}
	params := map[string]string{
		"class":    "equity",
		"symbol":   req.Ticker,
		"side":     side,
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"type":     req.OrderType,
		"duration": "day",
	}
	if req.TimeInForce != "" {
		params["duration"] = req.TimeInForce
	}
	if req.OrderType == "limit" {
		params["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	}
	return params
}

// PreviewOrder runs a Tradier order preview: the order is costed and
// validated but never reaches the book.
func (c *Client) PreviewOrder(ctx context.Context, orderReq broker.OrderRequest) (*broker.PreviewQuote, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	params := c.orderParams(orderReq)
	params["preview"] = "true"

	var envelope previewEnvelope
	req := c.client.R().
		SetResult(&envelope).
		SetFormData(params).
		SetContext(ctx)
	resp, err := c.doRequest(ctx, "POST", "/accounts/"+orderReq.AccountID+"/orders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to preview tradier order: %w", err)
	}
	if envelope.Order.Status == "rejected" || len(envelope.Errors.Error) > 0 {
		return nil, fmt.Errorf("%w: %s", broker.ErrRejected, envelope.reason())
	}

	quantity := envelope.Order.Quantity
	if quantity == 0 {
		quantity = orderReq.Quantity
	}
	quote := &broker.PreviewQuote{
		EstimatedCost: envelope.Order.Cost,
		Commission:    envelope.Order.Commission,
		Raw:           string(resp.Body()),
	}
	if quantity != 0 {
		quote.EstimatedPrice = envelope.Order.Cost / quantity
	}
	return quote, nil
}

// PlaceOrder submits a live order to Tradier.
func (c *Client) PlaceOrder(ctx context.Context, orderReq broker.OrderRequest) (*broker.PlacementResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var envelope orderEnvelope
	req := c.client.R().
		SetResult(&envelope).
		SetFormData(c.orderParams(orderReq)).
		SetContext(ctx)
	_, err := c.doRequest(ctx, "POST", "/accounts/"+orderReq.AccountID+"/orders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to place tradier order: %w", err)
	}
	if len(envelope.Errors.Error) > 0 {
		reason := envelope.reason()
		return &broker.PlacementResult{
			Status: models.OrderStatusRejected,
			Reason: reason,
		}, fmt.Errorf("%w: %s", broker.ErrRejected, reason)
	}

	brokerOrderID := strconv.Itoa(envelope.Order.ID)

	// The submit ack only confirms acceptance; poll once for fill state.
	status, err := c.fetchOrderStatus(ctx, orderReq.AccountID, brokerOrderID)
	if err != nil {
		c.logger.Warn("Order placed but status poll failed",
			zap.String("order_id", brokerOrderID), zap.Error(err))
		return &broker.PlacementResult{
			BrokerOrderID: brokerOrderID,
			Status:        models.OrderStatusAccepted,
		}, nil
	}
	return status, nil
}

func (c *Client) fetchOrderStatus(ctx context.Context, accountID, orderID string) (*broker.PlacementResult, error) {
	var envelope orderStatusEnvelope
	req := c.client.R().SetResult(&envelope).SetContext(ctx)
	_, err := c.doRequest(ctx, "GET", "/accounts/"+accountID+"/orders/"+orderID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get tradier order %s: %w", orderID, err)
	}

	o := envelope.Order
	return &broker.PlacementResult{
		BrokerOrderID:  orderID,
		Status:         mapTradierStatus(o.Status),
		FilledQuantity: o.ExecQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Reason:         o.ReasonDescription,
	}, nil
}

// CancelOrder cancels an open Tradier order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := c.ready(); err != nil {
		return err
	}

	req := c.client.R().SetContext(ctx)
	_, err := c.doRequest(ctx, "DELETE", "/accounts/"+c.cfg.AccountID+"/orders/"+brokerOrderID, req)
	if err != nil {
		return fmt.Errorf("failed to cancel tradier order %s: %w", brokerOrderID, err)
	}
	return nil
}

func mapTradierStatus(status string) string {
	switch status {
	case "filled":
		return models.OrderStatusExecuted
	case "partially_filled":
		return models.OrderStatusPartial
	case "open", "pending", "submitted":
		return models.OrderStatusAccepted
	case "rejected", "error":
		return models.OrderStatusRejected
	case "canceled":
		return models.OrderStatusCanceled
	case "expired":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusPending
	}
}

func joinSymbols(syms []string) string {
	return strings.Join(syms, ",")
}
