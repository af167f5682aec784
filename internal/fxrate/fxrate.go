package fxrate

import (
	"fmt"
	"time"

	"brokerhub/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Source provides a spot exchange rate into USD. A rate of r means
// 1 unit of currency == r USD.
type Source interface {
	SpotRate(currency string) (float64, error)
}

// Client fetches spot rates from a frankfurter-style HTTP API and caches them
// with a TTL, since the FIFO matcher may ask for the same currency thousands
// of times per batch.
type Client struct {
	client *resty.Client
	cache  *cache.Cache
	logger *zap.Logger
}

var _ Source = (*Client)(nil)

// NewClient creates a rate client against cfg.FX.BaseURL.
func NewClient(cfg *config.FX, logger *zap.Logger) *Client {
	ttl := time.Duration(cfg.CacheTTLMinutes) * time.Minute
	return &Client{
		client: resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(15 * time.Second),
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.Named("fxrate"),
	}
}

type latestResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// SpotRate returns the USD rate for one unit of currency. USD itself is
// answered locally with 1.0.
func (c *Client) SpotRate(currency string) (float64, error) {
	if currency == "" || currency == "USD" {
		return 1.0, nil
	}

	if cached, ok := c.cache.Get(currency); ok {
		return cached.(float64), nil
	}

	var result latestResponse
	resp, err := c.client.R().
		SetQueryParam("from", currency).
		SetQueryParam("to", "USD").
		SetResult(&result).
		Get("/latest")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch spot rate for %s: %w", currency, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("spot rate request for %s failed with status %s", currency, resp.Status())
	}

	rate, ok := result.Rates["USD"]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no USD rate in response for %s", currency)
	}

	c.cache.Set(currency, rate, cache.DefaultExpiration)
	c.logger.Debug("Fetched spot rate", zap.String("currency", currency), zap.Float64("rate", rate))
	return rate, nil
}

// StaticSource is a fixed-rate Source for tests.
type StaticSource map[string]float64

// SpotRate returns the configured rate, or an error for unknown currencies.
func (s StaticSource) SpotRate(currency string) (float64, error) {
	if currency == "" || currency == "USD" {
		return 1.0, nil
	}
	rate, ok := s[currency]
	if !ok {
		return 0, fmt.Errorf("no rate configured for %s", currency)
	}
	return rate, nil
}
