package normalize

import (
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"brokerhub/internal/symbols"
	"go.uber.org/zap"
)

// AlpacaNormalizer translates Alpaca account-activity records. Fills carry a
// structured side and an OCC symbol for options; dividends, interest and fees
// arrive as separate activity types with a net amount.
type AlpacaNormalizer struct {
	resolver symbols.Resolver
	logger   *zap.Logger
}

var _ provider.TransactionNormalizer = (*AlpacaNormalizer)(nil)

// NewAlpacaNormalizer creates a normalizer for the "alpaca" provider.
func NewAlpacaNormalizer(resolver symbols.Resolver, logger *zap.Logger) *AlpacaNormalizer {
	return &AlpacaNormalizer{resolver: resolver, logger: logger.Named("normalize-alpaca")}
}

// Name returns "alpaca".
func (n *AlpacaNormalizer) Name() string { return "alpaca" }

// Normalize converts one raw Alpaca batch into canonical trades and income
// events. Malformed records are skipped with a logged reason.
func (n *AlpacaNormalizer) Normalize(batch *provider.RawBatch, meta map[string]models.SecurityMeta) ([]models.TradePair, []models.NormalizedIncome) {
	var pairs []models.TradePair
	var income []models.NormalizedIncome

	for _, rec := range batch.Records {
		switch rec.Kind {
		case "FILL", "PARTIAL_FILL":
			pair, ok := n.normalizeFill(rec, meta)
			if ok {
				pairs = append(pairs, pair)
			}
		case "DIV":
			income = appendIncome(income, n.logger, rec, models.IncomeDividend, n.Name())
		case "INT":
			income = appendIncome(income, n.logger, rec, models.IncomeInterest, n.Name())
		case "FEE", "REG_FEE", "TAF_FEE":
			income = appendIncome(income, n.logger, rec, models.IncomeFee, n.Name())
		default:
			n.logger.Debug("Ignoring alpaca activity", zap.String("kind", rec.Kind), zap.String("id", rec.ID))
		}
	}

	return pairs, income
}

func (n *AlpacaNormalizer) normalizeFill(rec provider.RawRecord, meta map[string]models.SecurityMeta) (models.TradePair, bool) {
	date, ok := parseDate(rec.Date)
	if !ok {
		n.logger.Warn("Skipping alpaca fill with unparseable date",
			zap.String("id", rec.ID), zap.String("date", rec.Date))
		return models.TradePair{}, false
	}

	quantity, ok := parseAmount(rec.Quantity)
	if !ok || quantity <= 0 {
		n.logger.Warn("Skipping alpaca fill with bad quantity",
			zap.String("id", rec.ID), zap.String("quantity", rec.Quantity))
		return models.TradePair{}, false
	}

	price, ok := parseAmount(rec.Price)
	if !ok {
		n.logger.Warn("Skipping alpaca fill with bad price",
			zap.String("id", rec.ID), zap.String("price", rec.Price))
		return models.TradePair{}, false
	}

	direction, ok := canonicalDirection(rec.Side)
	if !ok {
		n.logger.Warn("Skipping alpaca fill with unknown side",
			zap.String("id", rec.ID), zap.String("side", rec.Side))
		return models.TradePair{}, false
	}

	instrumentType := models.InstrumentEquity
	var contract *models.ContractIdentity
	rawSymbol := rec.Symbol
	if underlying, c, isOption := parseOCCSymbol(rec.Symbol); isOption {
		instrumentType = models.InstrumentOption
		contract = c
		rawSymbol = underlying
	}

	symbol := n.resolver.Resolve(symbols.Request{
		RawSymbol:      rawSymbol,
		Provider:       n.Name(),
		InstrumentType: instrumentType,
		Currency:       "USD",
	})

	return newPair(models.NormalizedTrade{
		Symbol:         symbol,
		DisplayName:    displayName(symbol, rec.Description, meta),
		Currency:       "USD", // Alpaca accounts are USD-denominated
		Direction:      direction,
		Quantity:       quantity,
		Price:          price,
		TradeDate:      date,
		InstrumentType: instrumentType,
		AccountID:      rec.AccountID,
		Provider:       n.Name(),
		Contract:       contract,
	}), true
}

// appendIncome parses a cash activity record into a NormalizedIncome,
// skipping it on parse failure.
func appendIncome(income []models.NormalizedIncome, logger *zap.Logger, rec provider.RawRecord, category, providerName string) []models.NormalizedIncome {
	date, ok := parseDate(rec.Date)
	if !ok {
		logger.Warn("Skipping income record with unparseable date",
			zap.String("id", rec.ID), zap.String("date", rec.Date))
		return income
	}
	amount, ok := parseAmount(rec.Amount)
	if !ok {
		logger.Warn("Skipping income record with bad amount",
			zap.String("id", rec.ID), zap.String("amount", rec.Amount))
		return income
	}

	currency := rec.Currency
	if currency == "" {
		currency = "USD"
	}

	return append(income, models.NormalizedIncome{
		Symbol:    rec.Symbol,
		Amount:    amount,
		Currency:  currency,
		EventDate: date,
		Category:  category,
		Provider:  providerName,
	})
}
