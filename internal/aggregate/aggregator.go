// Package aggregate runs the full reconciliation pipeline: fetch raw history
// from every registered provider, normalize per provider, deduplicate trades
// reported by more than one source, and match closes against opens.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"sync"

	"brokerhub/internal/fifo"
	"brokerhub/internal/models"
	"brokerhub/internal/normalize"
	"brokerhub/internal/provider"
	"go.uber.org/zap"
)

// ProviderFailure records one provider that could not contribute to a
// report. The report is still produced from the providers that did.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// Report is the aggregated reconciliation result across all providers.
type Report struct {
	Realized         []models.RealizedTrade    `json:"realized"`
	Incomplete       []models.IncompleteClose  `json:"incomplete"`
	OpenLots         []models.Lot              `json:"open_lots"`
	Income           []models.NormalizedIncome `json:"income"`
	ProviderFailures []ProviderFailure         `json:"provider_failures,omitempty"`
}

// Aggregator wires the registry, the normalizers and the matcher into one
// pipeline.
type Aggregator struct {
	registry *provider.Registry
	matcher  *fifo.Matcher
	meta     map[string]models.SecurityMeta
	logger   *zap.Logger
}

// NewAggregator creates an aggregator. meta optionally enriches normalized
// trades with display names and may be nil.
func NewAggregator(registry *provider.Registry, matcher *fifo.Matcher, meta map[string]models.SecurityMeta, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		matcher:  matcher,
		meta:     meta,
		logger:   logger.Named("aggregate"),
	}
}

// Run produces a reconciliation report for the given fetch window. Provider
// failures are isolated: a provider that errors is reported in
// ProviderFailures and the rest of the report is built without it. A
// provider that is merely unavailable (not configured) is skipped silently.
func (a *Aggregator) Run(ctx context.Context, params provider.FetchParams) *Report {
	batches, failures := a.fetchAll(ctx, params)

	var pairs []models.TradePair
	var income []models.NormalizedIncome
	for _, batch := range batches {
		normalizer, err := a.registry.Normalizer(batch.Provider)
		if err != nil {
			a.logger.Error("No normalizer for provider batch", zap.String("provider", batch.Provider))
			failures = append(failures, ProviderFailure{Provider: batch.Provider, Error: err.Error()})
			continue
		}
		batchPairs, batchIncome := normalizer.Normalize(batch, a.meta)
		pairs = append(pairs, batchPairs...)
		income = append(income, batchIncome...)
	}

	pairs = normalize.Deduplicate(pairs, a.logger)
	trades, _ := normalize.SplitPairs(pairs)

	result := a.matcher.Match(trades)

	sort.Slice(income, func(i, j int) bool { return income[i].EventDate.Before(income[j].EventDate) })

	return &Report{
		Realized:         result.Realized,
		Incomplete:       result.Incomplete,
		OpenLots:         result.OpenLots,
		Income:           income,
		ProviderFailures: failures,
	}
}

// fetchAll queries every registered transaction provider concurrently.
// Results come back in registry (name) order so reports are deterministic.
func (a *Aggregator) fetchAll(ctx context.Context, params provider.FetchParams) ([]*provider.RawBatch, []ProviderFailure) {
	providers := a.registry.TransactionProviders()

	type fetchResult struct {
		batch *provider.RawBatch
		err   error
	}
	results := make([]fetchResult, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p provider.TransactionProvider) {
			defer wg.Done()
			batch, err := p.FetchTransactions(ctx, params)
			results[i] = fetchResult{batch: batch, err: err}
		}(i, p)
	}
	wg.Wait()

	var batches []*provider.RawBatch
	var failures []ProviderFailure
	for i, p := range providers {
		res := results[i]
		switch {
		case errors.Is(res.err, provider.ErrProviderUnavailable):
			a.logger.Debug("Skipping unavailable provider", zap.String("provider", p.Name()))
		case res.err != nil:
			a.logger.Warn("Provider fetch failed, continuing without it",
				zap.String("provider", p.Name()), zap.Error(res.err))
			failures = append(failures, ProviderFailure{Provider: p.Name(), Error: res.err.Error()})
		case res.batch != nil:
			batches = append(batches, res.batch)
		}
	}
	return batches, failures
}

// Positions returns current holdings across all registered position
// providers, with the same per-provider failure isolation as Run.
func (a *Aggregator) Positions(ctx context.Context, params provider.FetchParams) ([]models.Position, []ProviderFailure) {
	providers := a.registry.PositionProviders()

	type fetchResult struct {
		positions []models.Position
		err       error
	}
	results := make([]fetchResult, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p provider.PositionProvider) {
			defer wg.Done()
			positions, err := p.FetchPositions(ctx, params)
			results[i] = fetchResult{positions: positions, err: err}
		}(i, p)
	}
	wg.Wait()

	var all []models.Position
	var failures []ProviderFailure
	for i, p := range providers {
		res := results[i]
		switch {
		case errors.Is(res.err, provider.ErrProviderUnavailable):
			a.logger.Debug("Skipping unavailable provider", zap.String("provider", p.Name()))
		case res.err != nil:
			failures = append(failures, ProviderFailure{Provider: p.Name(), Error: res.err.Error()})
		default:
			all = append(all, res.positions...)
		}
	}
	return all, failures
}
