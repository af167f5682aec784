package normalize

import (
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"brokerhub/internal/symbols"
	"go.uber.org/zap"
)

// GatewayNormalizer translates execution reports from the direct
// exchange-connectivity gateway. The gateway speaks a FIX-flavored dialect:
// single-letter sides, compact timestamps, futures month codes and slash
// currency pairs, with an explicit currency per fill.
type GatewayNormalizer struct {
	resolver symbols.Resolver
	logger   *zap.Logger
}

var _ provider.TransactionNormalizer = (*GatewayNormalizer)(nil)

// NewGatewayNormalizer creates a normalizer for the "gateway" provider.
func NewGatewayNormalizer(resolver symbols.Resolver, logger *zap.Logger) *GatewayNormalizer {
	return &GatewayNormalizer{resolver: resolver, logger: logger.Named("normalize-gateway")}
}

// Name returns "gateway".
func (n *GatewayNormalizer) Name() string { return "gateway" }

// Normalize converts one raw gateway batch into canonical trades and income
// events. Instrument type is inferred from the symbol pattern; the gateway
// reports no structured instrument field.
func (n *GatewayNormalizer) Normalize(batch *provider.RawBatch, meta map[string]models.SecurityMeta) ([]models.TradePair, []models.NormalizedIncome) {
	var pairs []models.TradePair
	var income []models.NormalizedIncome

	for _, rec := range batch.Records {
		switch rec.Kind {
		case "EXEC":
			pair, ok := n.normalizeExec(rec, meta)
			if ok {
				pairs = append(pairs, pair)
			}
		case "FUNDING":
			income = appendIncome(income, n.logger, rec, models.IncomeInterest, n.Name())
		case "COMMISSION":
			income = appendIncome(income, n.logger, rec, models.IncomeFee, n.Name())
		default:
			n.logger.Debug("Ignoring gateway report", zap.String("kind", rec.Kind), zap.String("id", rec.ID))
		}
	}

	return pairs, income
}

func (n *GatewayNormalizer) normalizeExec(rec provider.RawRecord, meta map[string]models.SecurityMeta) (models.TradePair, bool) {
	date, ok := parseDate(rec.Date)
	if !ok {
		n.logger.Warn("Skipping gateway exec with unparseable timestamp",
			zap.String("id", rec.ID), zap.String("date", rec.Date))
		return models.TradePair{}, false
	}
	quantity, ok := parseAmount(rec.Quantity)
	if !ok || quantity <= 0 {
		n.logger.Warn("Skipping gateway exec with bad quantity",
			zap.String("id", rec.ID), zap.String("quantity", rec.Quantity))
		return models.TradePair{}, false
	}
	price, ok := parseAmount(rec.Price)
	if !ok {
		n.logger.Warn("Skipping gateway exec with bad price",
			zap.String("id", rec.ID), zap.String("price", rec.Price))
		return models.TradePair{}, false
	}
	direction, ok := canonicalDirection(rec.Side)
	if !ok {
		n.logger.Warn("Skipping gateway exec with unknown side",
			zap.String("id", rec.ID), zap.String("side", rec.Side))
		return models.TradePair{}, false
	}

	instrumentType := inferInstrumentType(rec.Symbol)

	currency := rec.Currency
	if currency == "" {
		currency = "USD"
	}

	symbol := n.resolver.Resolve(symbols.Request{
		RawSymbol:      rec.Symbol,
		Provider:       n.Name(),
		InstrumentType: instrumentType,
		Currency:       currency,
	})

	return newPair(models.NormalizedTrade{
		Symbol:         symbol,
		DisplayName:    displayName(symbol, rec.Description, meta),
		Currency:       currency,
		Direction:      direction,
		Quantity:       quantity,
		Price:          price,
		TradeDate:      date,
		InstrumentType: instrumentType,
		AccountID:      rec.AccountID,
		Provider:       n.Name(),
	}), true
}
