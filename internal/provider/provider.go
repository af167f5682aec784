package provider

import (
	"context"
	"errors"
	"time"

	"brokerhub/internal/models"
)

// FetchParams scopes a position or transaction fetch to a user, account and
// date range. Zero Start/End means "everything the provider has".
type FetchParams struct {
	UserID    string
	AccountID string
	Start     time.Time
	End       time.Time
}

// RawRecord is one provider-native activity record. Numeric and date fields
// are kept as strings on purpose: upstream payloads are inconsistent, and
// parsing them is the normalizers' job.
type RawRecord struct {
	ID          string
	Kind        string // provider-native activity/type code
	Symbol      string
	Description string
	Side        string
	Quantity    string
	Price       string
	Amount      string
	Currency    string
	Date        string
	AccountID   string
	Legs        []RawLeg // multi-leg records (option spreads); empty for single-leg
}

// RawLeg is one leg of a multi-leg provider record.
type RawLeg struct {
	Symbol   string
	Side     string
	Quantity string
	Price    string
}

// RawBatch is an opaque batch of provider-native records, tagged with the
// provider that produced it so the matching normalizer can be looked up.
type RawBatch struct {
	Provider string
	Records  []RawRecord
}

// PriceRequest describes a monthly-close lookup.
type PriceRequest struct {
	Symbol         string
	InstrumentType string
	Start          time.Time
	End            time.Time
	Contract       *models.ContractIdentity
	SymbolMap      map[string]string // provider-specific symbol remaps
}

// PositionProvider fetches current holdings from one upstream source.
type PositionProvider interface {
	Name() string
	FetchPositions(ctx context.Context, params FetchParams) ([]models.Position, error)
}

// TransactionProvider fetches raw trade/activity history from one upstream
// source. The result is opaque; only the matching TransactionNormalizer
// understands it.
type TransactionProvider interface {
	Name() string
	FetchTransactions(ctx context.Context, params FetchParams) (*RawBatch, error)
}

// TransactionNormalizer converts one provider's raw records into the
// canonical trade/income model. Normalizers are pure: same batch in, same
// pairs out. Malformed individual records are skipped with a logged reason,
// never fatal to the batch.
type TransactionNormalizer interface {
	Name() string
	Normalize(batch *RawBatch, meta map[string]models.SecurityMeta) ([]models.TradePair, []models.NormalizedIncome)
}

// PriceSeriesProvider fetches monthly closing prices. CanPrice lets a
// provider opt out of instrument types it structurally cannot serve, keeping
// certain failures out of the attempt log.
type PriceSeriesProvider interface {
	Name() string
	CanPrice(instrumentType string) bool
	FetchMonthlyClose(ctx context.Context, req PriceRequest) (models.PriceSeries, error)
}

// ErrProviderUnavailable marks a registered provider that cannot serve right
// now (missing or invalid credentials, disabled integration). Callers skip
// the provider rather than failing the whole batch.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrConnectionFailure marks a transport-level failure talking to an upstream
// gateway, as opposed to an order-level rejection. Eligible for a bounded
// retry on the connection, never on order placement.
var ErrConnectionFailure = errors.New("connection failure")

// UnknownProviderError is returned when a provider name has no registration
// for the requested capability. The registry never substitutes a default.
type UnknownProviderError struct {
	Name       string
	Capability string
}

func (e *UnknownProviderError) Error() string {
	return "unknown " + e.Capability + " provider: " + e.Name
}
