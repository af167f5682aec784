package aggregate

import (
	"context"
	"errors"
	"testing"

	"brokerhub/internal/fifo"
	"brokerhub/internal/fxrate"
	"brokerhub/internal/models"
	"brokerhub/internal/normalize"
	"brokerhub/internal/provider"
	"brokerhub/internal/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubTransactions serves a canned batch or a canned error.
type stubTransactions struct {
	name  string
	batch *provider.RawBatch
	err   error
}

func (s *stubTransactions) Name() string { return s.name }

func (s *stubTransactions) FetchTransactions(context.Context, provider.FetchParams) (*provider.RawBatch, error) {
	return s.batch, s.err
}

type stubPositions struct {
	name      string
	positions []models.Position
	err       error
}

func (s *stubPositions) Name() string { return s.name }

func (s *stubPositions) FetchPositions(context.Context, provider.FetchParams) ([]models.Position, error) {
	return s.positions, s.err
}

func alpacaBatch() *provider.RawBatch {
	return &provider.RawBatch{
		Provider: "alpaca",
		Records: []provider.RawRecord{
			{ID: "1", Kind: "FILL", Symbol: "AAPL", Side: "buy", Quantity: "10", Price: "100", Date: "2024-01-02T15:00:00Z", Currency: "USD"},
			{ID: "2", Kind: "FILL", Symbol: "AAPL", Side: "sell", Quantity: "10", Price: "132", Date: "2024-03-04T15:00:00Z", Currency: "USD"},
			{ID: "3", Kind: "DIV", Symbol: "AAPL", Amount: "2.40", Date: "2024-02-15", Currency: "USD"},
		},
	}
}

func newAggregator(t *testing.T, registry *provider.Registry) *Aggregator {
	t.Helper()
	matcher := fifo.NewMatcher(fxrate.StaticSource{"USD": 1}, zap.NewNop())
	return NewAggregator(registry, matcher, nil, zap.NewNop())
}

func TestRun_FullPipeline(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterTransactionProvider(&stubTransactions{name: "alpaca", batch: alpacaBatch()})
	registry.RegisterNormalizer(normalize.NewAlpacaNormalizer(symbols.Static{}, zap.NewNop()))

	report := newAggregator(t, registry).Run(context.Background(), provider.FetchParams{})

	require.Len(t, report.Realized, 1)
	assert.Equal(t, "AAPL", report.Realized[0].Symbol)
	assert.InDelta(t, 320.0, report.Realized[0].PnLUSD, 1e-9)
	assert.Empty(t, report.Incomplete)
	assert.Empty(t, report.OpenLots)
	require.Len(t, report.Income, 1)
	assert.Equal(t, models.IncomeDividend, report.Income[0].Category)
	assert.Empty(t, report.ProviderFailures)
}

func TestRun_ProviderFailureIsIsolated(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterTransactionProvider(&stubTransactions{name: "alpaca", batch: alpacaBatch()})
	registry.RegisterTransactionProvider(&stubTransactions{name: "tradier", err: errors.New("upstream 500")})
	registry.RegisterNormalizer(normalize.NewAlpacaNormalizer(symbols.Static{}, zap.NewNop()))

	report := newAggregator(t, registry).Run(context.Background(), provider.FetchParams{})

	// The healthy provider's trades still reconcile.
	require.Len(t, report.Realized, 1)
	require.Len(t, report.ProviderFailures, 1)
	assert.Equal(t, "tradier", report.ProviderFailures[0].Provider)
	assert.Contains(t, report.ProviderFailures[0].Error, "upstream 500")
}

func TestRun_UnavailableProviderIsSkippedSilently(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterTransactionProvider(&stubTransactions{name: "alpaca", batch: alpacaBatch()})
	registry.RegisterTransactionProvider(&stubTransactions{name: "tradier", err: provider.ErrProviderUnavailable})
	registry.RegisterNormalizer(normalize.NewAlpacaNormalizer(symbols.Static{}, zap.NewNop()))

	report := newAggregator(t, registry).Run(context.Background(), provider.FetchParams{})

	require.Len(t, report.Realized, 1)
	assert.Empty(t, report.ProviderFailures)
}

func TestRun_CrossProviderDuplicateRemoved(t *testing.T) {
	duplicate := &provider.RawBatch{
		Provider: "gateway",
		Records: []provider.RawRecord{
			// Same economic events as the alpaca batch, reported again.
			{ID: "g1", Kind: "EXEC", Symbol: "AAPL", Side: "BUY", Quantity: "10", Price: "100.005", Date: "2024-01-02T15:00:00Z", Currency: "USD"},
			{ID: "g2", Kind: "EXEC", Symbol: "AAPL", Side: "SELL", Quantity: "10", Price: "132", Date: "2024-03-04T15:00:00Z", Currency: "USD"},
		},
	}

	registry := provider.NewRegistry()
	registry.RegisterTransactionProvider(&stubTransactions{name: "alpaca", batch: alpacaBatch()})
	registry.RegisterTransactionProvider(&stubTransactions{name: "gateway", batch: duplicate})
	registry.RegisterNormalizer(normalize.NewAlpacaNormalizer(symbols.Static{}, zap.NewNop()))
	registry.RegisterNormalizer(normalize.NewGatewayNormalizer(symbols.Static{}, zap.NewNop()))

	report := newAggregator(t, registry).Run(context.Background(), provider.FetchParams{})

	// One realized round trip, not two.
	require.Len(t, report.Realized, 1)
	assert.Empty(t, report.OpenLots)
	assert.Empty(t, report.Incomplete)
}

func TestRun_MissingNormalizerReportedAsFailure(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterTransactionProvider(&stubTransactions{name: "mystery", batch: &provider.RawBatch{Provider: "mystery"}})

	report := newAggregator(t, registry).Run(context.Background(), provider.FetchParams{})

	require.Len(t, report.ProviderFailures, 1)
	assert.Equal(t, "mystery", report.ProviderFailures[0].Provider)
}

func TestPositions_MergesAcrossProviders(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterPositionProvider(&stubPositions{name: "alpaca", positions: []models.Position{
		{Symbol: "AAPL", Quantity: 10, Provider: "alpaca"},
	}})
	registry.RegisterPositionProvider(&stubPositions{name: "gateway", positions: []models.Position{
		{Symbol: "ESZ5", Quantity: 2, Provider: "gateway"},
	}})
	registry.RegisterPositionProvider(&stubPositions{name: "tradier", err: errors.New("token expired")})

	positions, failures := newAggregator(t, registry).Positions(context.Background(), provider.FetchParams{})

	assert.Len(t, positions, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, "tradier", failures[0].Provider)
}
