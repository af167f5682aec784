package normalize

import (
	"brokerhub/internal/models"
	"brokerhub/internal/provider"
	"brokerhub/internal/symbols"
	"go.uber.org/zap"
)

// TradierNormalizer translates Tradier account-history records. Tradier has
// no structured option fields on history rows, so contract terms are parsed
// out of the description string, and multi-leg option orders arrive as one
// record with legs that must be split into separate aligned pairs.
type TradierNormalizer struct {
	resolver symbols.Resolver
	logger   *zap.Logger
}

var _ provider.TransactionNormalizer = (*TradierNormalizer)(nil)

// NewTradierNormalizer creates a normalizer for the "tradier" provider.
func NewTradierNormalizer(resolver symbols.Resolver, logger *zap.Logger) *TradierNormalizer {
	return &TradierNormalizer{resolver: resolver, logger: logger.Named("normalize-tradier")}
}

// Name returns "tradier".
func (n *TradierNormalizer) Name() string { return "tradier" }

// Normalize converts one raw Tradier batch into canonical trades and income
// events. A multi-leg record yields one TradePair per leg, in leg order.
func (n *TradierNormalizer) Normalize(batch *provider.RawBatch, meta map[string]models.SecurityMeta) ([]models.TradePair, []models.NormalizedIncome) {
	var pairs []models.TradePair
	var income []models.NormalizedIncome

	for _, rec := range batch.Records {
		switch rec.Kind {
		case "trade", "option":
			if len(rec.Legs) > 0 {
				for i, leg := range rec.Legs {
					pair, ok := n.normalizeLeg(rec, leg, i, meta)
					if ok {
						pairs = append(pairs, pair)
					}
				}
				continue
			}
			pair, ok := n.normalizeTrade(rec, meta)
			if ok {
				pairs = append(pairs, pair)
			}
		case "dividend":
			income = appendIncome(income, n.logger, rec, models.IncomeDividend, n.Name())
		case "interest":
			income = appendIncome(income, n.logger, rec, models.IncomeInterest, n.Name())
		case "fee", "adjustment":
			income = appendIncome(income, n.logger, rec, models.IncomeFee, n.Name())
		default:
			n.logger.Debug("Ignoring tradier event", zap.String("kind", rec.Kind), zap.String("id", rec.ID))
		}
	}

	return pairs, income
}

func (n *TradierNormalizer) normalizeTrade(rec provider.RawRecord, meta map[string]models.SecurityMeta) (models.TradePair, bool) {
	date, ok := parseDate(rec.Date)
	if !ok {
		n.logger.Warn("Skipping tradier trade with unparseable date",
			zap.String("id", rec.ID), zap.String("date", rec.Date))
		return models.TradePair{}, false
	}
	quantity, ok := parseAmount(rec.Quantity)
	if !ok || quantity == 0 {
		n.logger.Warn("Skipping tradier trade with bad quantity",
			zap.String("id", rec.ID), zap.String("quantity", rec.Quantity))
		return models.TradePair{}, false
	}
	if quantity < 0 {
		quantity = -quantity // Tradier signs sell quantities; direction carries the sign here
	}
	price, ok := parseAmount(rec.Price)
	if !ok {
		n.logger.Warn("Skipping tradier trade with bad price",
			zap.String("id", rec.ID), zap.String("price", rec.Price))
		return models.TradePair{}, false
	}
	direction, ok := canonicalDirection(rec.Side)
	if !ok {
		n.logger.Warn("Skipping tradier trade with unknown side",
			zap.String("id", rec.ID), zap.String("side", rec.Side))
		return models.TradePair{}, false
	}

	rawSymbol := rec.Symbol
	instrumentType := models.InstrumentEquity
	var contract *models.ContractIdentity

	if underlying, c, isOption := parseOCCSymbol(rec.Symbol); isOption {
		instrumentType = models.InstrumentOption
		contract = c
		rawSymbol = underlying
	} else if underlying, c, isOption := parseOptionDescription(rec.Description); isOption {
		instrumentType = models.InstrumentOption
		contract = c
		rawSymbol = underlying
	}

	symbol := n.resolver.Resolve(symbols.Request{
		RawSymbol:      rawSymbol,
		Provider:       n.Name(),
		InstrumentType: instrumentType,
		CompanyName:    rec.Description,
		Currency:       "USD",
	})

	return newPair(models.NormalizedTrade{
		Symbol:         symbol,
		DisplayName:    displayName(symbol, rec.Description, meta),
		Currency:       "USD",
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

// normalizeLeg lifts one leg of a multi-leg record into its own trade,
// inheriting date and account from the parent record.
func (n *TradierNormalizer) normalizeLeg(rec provider.RawRecord, leg provider.RawLeg, index int, meta map[string]models.SecurityMeta) (models.TradePair, bool) {
	legRec := rec
	legRec.Symbol = leg.Symbol
	legRec.Side = leg.Side
	legRec.Quantity = leg.Quantity
	legRec.Price = leg.Price
	legRec.Legs = nil

	pair, ok := n.normalizeTrade(legRec, meta)
	if !ok {
		n.logger.Warn("Skipping unparseable tradier leg",
			zap.String("id", rec.ID), zap.Int("leg", index))
	}
	return pair, ok
}
