package symbols

import (
	"strings"

	"go.uber.org/zap"
)

// Request carries everything a resolution rule may want to look at.
type Request struct {
	RawSymbol      string
	Provider       string
	InstrumentType string
	CompanyName    string
	Currency       string
}

// Resolver maps a provider-native symbol to the canonical market-data symbol.
// Normalizers and the price chain call this instead of inlining mapping rules,
// so new rules never touch normalizer code.
type Resolver interface {
	Resolve(req Request) string
}

// RuleResolver is the default Resolver: a remap table consulted first, then
// generic cleanup (exchange-suffix stripping, class-share dot notation).
type RuleResolver struct {
	remaps map[string]string
	logger *zap.Logger
}

// defaultRemaps covers tickers whose market-data symbol differs from what
// brokers report, mostly renames and share-class notation.
var defaultRemaps = map[string]string{
	"FB":    "META",
	"TWTR":  "X",
	"BRK.B": "BRK-B",
	"BRK/B": "BRK-B",
	"BF.B":  "BF-B",
}

// NewRuleResolver creates a RuleResolver with the default remap table plus
// any extra remaps (extras win on conflict).
func NewRuleResolver(extra map[string]string, logger *zap.Logger) *RuleResolver {
	remaps := make(map[string]string, len(defaultRemaps)+len(extra))
	for k, v := range defaultRemaps {
		remaps[k] = v
	}
	for k, v := range extra {
		remaps[k] = v
	}
	return &RuleResolver{remaps: remaps, logger: logger.Named("symbols")}
}

var _ Resolver = (*RuleResolver)(nil)

// Resolve applies the remap table, then strips provider exchange suffixes
// (AAPL.US -> AAPL) for equities. Futures and FX symbols pass through
// untouched; their exchange qualification is meaningful.
func (r *RuleResolver) Resolve(req Request) string {
	symbol := strings.ToUpper(strings.TrimSpace(req.RawSymbol))
	if symbol == "" {
		return symbol
	}

	if mapped, ok := r.remaps[symbol]; ok {
		r.logger.Debug("Applied symbol remap",
			zap.String("raw", symbol),
			zap.String("resolved", mapped),
			zap.String("provider", req.Provider),
		)
		return mapped
	}

	switch req.InstrumentType {
	case "future", "fx":
		return symbol
	}

	// Gateway-style exchange qualification, e.g. "AAPL.US" or "VOD.EU".
	if idx := strings.LastIndex(symbol, "."); idx > 0 {
		suffix := symbol[idx+1:]
		if suffix == "US" || suffix == "EU" || suffix == "UK" {
			return symbol[:idx]
		}
	}

	return symbol
}

// Static is a fixed-map Resolver for tests and symbol_map overrides.
type Static map[string]string

// Resolve returns the mapped symbol, or the raw symbol unchanged.
func (s Static) Resolve(req Request) string {
	if mapped, ok := s[req.RawSymbol]; ok {
		return mapped
	}
	return req.RawSymbol
}
