// Package pricechain resolves price series by walking a priority-ordered
// provider chain and keeping a full audit trail of what was tried.
package pricechain

import (
	"context"
	"sync"

	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"go.uber.org/zap"
)

// Outcome of one provider attempt.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
)

// Attempt records one provider call. Callers use the log for diagnostics and
// coverage statistics; collapsing it to a boolean would lose information the
// rest of the system depends on.
type Attempt struct {
	Provider string
	Outcome  string
	Err      error
}

// Resolution is the result of resolving one price request. Provider is empty
// when every attempt failed; Attempts always covers every provider tried, in
// chain order.
type Resolution struct {
	Series   models.PriceSeries
	Provider string
	Attempts []Attempt
}

// Resolver walks the registry's price chain for an instrument type. Fetches
// run concurrently (each provider call is independent I/O) but selection is
// sequential: the first provider in chain order with a non-empty series wins.
type Resolver struct {
	registry *provider.Registry
	logger   *zap.Logger
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry *provider.Registry, logger *zap.Logger) *Resolver {
	return &Resolver{registry: registry, logger: logger.Named("pricechain")}
}

// Resolve tries the chain for req's instrument type. Providers whose
// CanPrice rejects the instrument type are skipped entirely and do not
// appear in the attempt log; that opt-out is structural, not a failure.
func (r *Resolver) Resolve(ctx context.Context, req provider.PriceRequest) Resolution {
	chain := r.registry.PriceChain(req.InstrumentType)

	eligible := make([]provider.PriceSeriesProvider, 0, len(chain))
	for _, p := range chain {
		if p.CanPrice(req.InstrumentType) {
			eligible = append(eligible, p)
		}
	}

	type fetchResult struct {
		series models.PriceSeries
		err    error
	}
	results := make([]fetchResult, len(eligible))

	var wg sync.WaitGroup
	for i, p := range eligible {
		wg.Add(1)
		go func(i int, p provider.PriceSeriesProvider) {
			defer wg.Done()
			series, err := p.FetchMonthlyClose(ctx, req)
			results[i] = fetchResult{series: series, err: err}
		}(i, p)
	}
	wg.Wait()

	resolution := Resolution{}
	for i, p := range eligible {
		res := results[i]
		switch {
		case res.err != nil:
			resolution.Attempts = append(resolution.Attempts, Attempt{Provider: p.Name(), Outcome: OutcomeError, Err: res.err})
		case res.series.IsEmpty():
			resolution.Attempts = append(resolution.Attempts, Attempt{Provider: p.Name(), Outcome: OutcomeEmpty})
		default:
			resolution.Attempts = append(resolution.Attempts, Attempt{Provider: p.Name(), Outcome: OutcomeSuccess})
			if resolution.Provider == "" {
				resolution.Series = res.series
				resolution.Provider = p.Name()
			}
		}
	}

	if resolution.Provider == "" {
		r.logger.Warn("No provider returned price data",
			zap.String("symbol", req.Symbol),
			zap.String("instrument_type", req.InstrumentType),
			zap.Int("providers_tried", len(resolution.Attempts)),
		)
	} else {
		r.logger.Debug("Resolved price series",
			zap.String("symbol", req.Symbol),
			zap.String("provider", resolution.Provider),
			zap.Int("bars", len(resolution.Series.Points)),
		)
	}

	return resolution
}
