package provider

import (
	"sort"
)

// Registry maps provider names to their capability implementations and keeps
// a priority-ordered price chain per instrument type. Adding a provider is a
// registration call; no consumer changes.
type Registry struct {
	positions    map[string]PositionProvider
	transactions map[string]TransactionProvider
	normalizers  map[string]TransactionNormalizer
	priceChains  map[string][]chainEntry
}

type chainEntry struct {
	priority int
	provider PriceSeriesProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		positions:    make(map[string]PositionProvider),
		transactions: make(map[string]TransactionProvider),
		normalizers:  make(map[string]TransactionNormalizer),
		priceChains:  make(map[string][]chainEntry),
	}
}

// RegisterPositionProvider registers p under its own name.
func (r *Registry) RegisterPositionProvider(p PositionProvider) {
	r.positions[p.Name()] = p
}

// RegisterTransactionProvider registers p under its own name.
func (r *Registry) RegisterTransactionProvider(p TransactionProvider) {
	r.transactions[p.Name()] = p
}

// RegisterNormalizer registers n under its own name.
func (r *Registry) RegisterNormalizer(n TransactionNormalizer) {
	r.normalizers[n.Name()] = n
}

// RegisterPriceProvider inserts p into the price chain of each given
// instrument type. Lower priority values are tried first; ties keep
// registration order.
func (r *Registry) RegisterPriceProvider(p PriceSeriesProvider, priority int, instrumentTypes ...string) {
	for _, it := range instrumentTypes {
		chain := append(r.priceChains[it], chainEntry{priority: priority, provider: p})
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].priority < chain[j].priority })
		r.priceChains[it] = chain
	}
}

// PositionProvider looks up a registered position provider by name.
func (r *Registry) PositionProvider(name string) (PositionProvider, error) {
	p, ok := r.positions[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name, Capability: "position"}
	}
	return p, nil
}

// TransactionProvider looks up a registered transaction provider by name.
func (r *Registry) TransactionProvider(name string) (TransactionProvider, error) {
	p, ok := r.transactions[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name, Capability: "transaction"}
	}
	return p, nil
}

// Normalizer looks up the transaction normalizer for a provider name.
func (r *Registry) Normalizer(name string) (TransactionNormalizer, error) {
	n, ok := r.normalizers[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name, Capability: "normalizer"}
	}
	return n, nil
}

// TransactionProviders returns all registered transaction providers in
// deterministic (name) order.
func (r *Registry) TransactionProviders() []TransactionProvider {
	names := make([]string, 0, len(r.transactions))
	for name := range r.transactions {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]TransactionProvider, 0, len(names))
	for _, name := range names {
		providers = append(providers, r.transactions[name])
	}
	return providers
}

// PositionProviders returns all registered position providers in name order.
func (r *Registry) PositionProviders() []PositionProvider {
	names := make([]string, 0, len(r.positions))
	for name := range r.positions {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]PositionProvider, 0, len(names))
	for _, name := range names {
		providers = append(providers, r.positions[name])
	}
	return providers
}

// PriceChain returns the priority-ordered price providers for an instrument
// type. The returned slice is a copy; callers may not mutate chain order.
func (r *Registry) PriceChain(instrumentType string) []PriceSeriesProvider {
	entries := r.priceChains[instrumentType]
	chain := make([]PriceSeriesProvider, 0, len(entries))
	for _, e := range entries {
		chain = append(chain, e.provider)
	}
	return chain
}
