package pricechain

import (
	"context"
	"errors"
	"testing"
	"time"

	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePriceProvider is a scriptable PriceSeriesProvider.
type fakePriceProvider struct {
	name     string
	canPrice bool
	series   models.PriceSeries
	err      error
	calls    int
}

func (f *fakePriceProvider) Name() string                { return f.name }
func (f *fakePriceProvider) CanPrice(string) bool        { return f.canPrice }
func (f *fakePriceProvider) FetchMonthlyClose(_ context.Context, _ provider.PriceRequest) (models.PriceSeries, error) {
	f.calls++
	return f.series, f.err
}

func series(closes ...float64) models.PriceSeries {
	s := models.PriceSeries{Symbol: "AAPL", Currency: "USD"}
	for i, c := range closes {
		s.Points = append(s.Points, models.PricePoint{
			Date:  time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC),
			Close: c,
		})
	}
	return s
}

func equityRequest() provider.PriceRequest {
	return provider.PriceRequest{Symbol: "AAPL", InstrumentType: models.InstrumentEquity}
}

func TestResolveFallsBackToNextProvider(t *testing.T) {
	a := &fakePriceProvider{name: "a", canPrice: true, series: models.PriceSeries{}}
	b := &fakePriceProvider{name: "b", canPrice: true, series: series(100, 101, 102)}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(a, 1, models.InstrumentEquity)
	registry.RegisterPriceProvider(b, 2, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Equal(t, "b", resolution.Provider)
	assert.Equal(t, series(100, 101, 102), resolution.Series)

	require.Len(t, resolution.Attempts, 2)
	assert.Equal(t, Attempt{Provider: "a", Outcome: OutcomeEmpty}, resolution.Attempts[0])
	assert.Equal(t, Attempt{Provider: "b", Outcome: OutcomeSuccess}, resolution.Attempts[1])
}

func TestResolvePriorityOrderWins(t *testing.T) {
	// Registration order must not matter; priority does.
	low := &fakePriceProvider{name: "fallback", canPrice: true, series: series(1)}
	high := &fakePriceProvider{name: "primary", canPrice: true, series: series(2)}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(low, 9, models.InstrumentEquity)
	registry.RegisterPriceProvider(high, 1, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Equal(t, "primary", resolution.Provider)
	assert.Equal(t, 2.0, resolution.Series.Points[0].Close)
}

func TestResolveCanPriceOptOutSkipsAttemptLog(t *testing.T) {
	optOut := &fakePriceProvider{name: "gateway", canPrice: false}
	b := &fakePriceProvider{name: "b", canPrice: true, series: series(100)}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(optOut, 1, models.InstrumentEquity)
	registry.RegisterPriceProvider(b, 2, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Equal(t, 0, optOut.calls)
	require.Len(t, resolution.Attempts, 1)
	assert.Equal(t, "b", resolution.Attempts[0].Provider)
}

func TestResolveErrorRecordedAndChainContinues(t *testing.T) {
	boom := errors.New("upstream 500")
	a := &fakePriceProvider{name: "a", canPrice: true, err: boom}
	b := &fakePriceProvider{name: "b", canPrice: true, series: series(100)}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(a, 1, models.InstrumentEquity)
	registry.RegisterPriceProvider(b, 2, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Equal(t, "b", resolution.Provider)
	require.Len(t, resolution.Attempts, 2)
	assert.Equal(t, OutcomeError, resolution.Attempts[0].Outcome)
	assert.ErrorIs(t, resolution.Attempts[0].Err, boom)
}

func TestResolveAllFailed(t *testing.T) {
	a := &fakePriceProvider{name: "a", canPrice: true, series: models.PriceSeries{}}
	b := &fakePriceProvider{name: "b", canPrice: true, err: errors.New("down")}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(a, 1, models.InstrumentEquity)
	registry.RegisterPriceProvider(b, 2, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Empty(t, resolution.Provider)
	assert.True(t, resolution.Series.IsEmpty())
	assert.Len(t, resolution.Attempts, 2)
}

func TestResolveAllZeroSeriesCountsAsEmpty(t *testing.T) {
	padded := &fakePriceProvider{name: "padded", canPrice: true, series: series(0, 0, 0)}
	live := &fakePriceProvider{name: "real", canPrice: true, series: series(42)}

	registry := provider.NewRegistry()
	registry.RegisterPriceProvider(padded, 1, models.InstrumentEquity)
	registry.RegisterPriceProvider(live, 2, models.InstrumentEquity)

	r := NewResolver(registry, zap.NewNop())
	resolution := r.Resolve(context.Background(), equityRequest())

	assert.Equal(t, "real", resolution.Provider)
	assert.Equal(t, OutcomeEmpty, resolution.Attempts[0].Outcome)
}
