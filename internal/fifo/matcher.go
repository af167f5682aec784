package fifo

import (
	"math"
	"sort"
	"time"

	"brokerhub/internal/fxrate"
	"brokerhub/internal/models"
	"go.uber.org/zap"
)

// Result is the outcome of matching one trade stream.
type Result struct {
	Realized   []models.RealizedTrade
	Incomplete []models.IncompleteClose
	OpenLots   []models.Lot
}

// Matcher pairs closing trades against the oldest open lots, per symbol, in
// chronological order. It reports realized P&L in native currency and USD and
// surfaces closes it cannot match as IncompleteClose instead of fabricating a
// cost basis.
type Matcher struct {
	fx     fxrate.Source
	logger *zap.Logger
}

// NewMatcher creates a matcher using fx for USD normalization.
func NewMatcher(fx fxrate.Source, logger *zap.Logger) *Matcher {
	return &Matcher{fx: fx, logger: logger.Named("fifo")}
}

// symbolBook is the per-symbol lot queue. Lots are appended on open and
// consumed from the front, so FIFO order falls out of the processing order.
type symbolBook struct {
	lots []*models.Lot
}

// Match processes the trade stream and returns realized trades, incomplete
// closes, and leftover open lots. The input slice is not modified.
func (m *Matcher) Match(trades []models.NormalizedTrade) *Result {
	ordered := make([]models.NormalizedTrade, len(trades))
	copy(ordered, trades)

	// Chronological order; on identical timestamps buys run before sells so
	// same-day round trips don't produce spurious incomplete closes.
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TradeDate.Equal(ordered[j].TradeDate) {
			return ordered[i].TradeDate.Before(ordered[j].TradeDate)
		}
		return models.IsBuySide(ordered[i].Direction) && !models.IsBuySide(ordered[j].Direction)
	})

	books := make(map[string]*symbolBook)
	result := &Result{}

	for _, trade := range ordered {
		book, ok := books[trade.Symbol]
		if !ok {
			book = &symbolBook{}
			books[trade.Symbol] = book
		}

		switch trade.Direction {
		case models.DirectionBuy:
			// Cover any open shorts first; a leftover buy opens a long lot.
			remainder := m.consume(book, trade, true, result)
			if remainder > 0 {
				book.lots = append(book.lots, openLot(trade, remainder, false))
			}
		case models.DirectionSellShort:
			book.lots = append(book.lots, openLot(trade, trade.Quantity, true))
		case models.DirectionSell:
			remainder := m.consume(book, trade, false, result)
			if remainder > 0 {
				result.Incomplete = append(result.Incomplete, incompleteClose(trade, remainder))
				m.logger.Warn("Close without matching open lot",
					zap.String("symbol", trade.Symbol),
					zap.Float64("unmatched_quantity", remainder),
					zap.Time("close_date", trade.TradeDate),
					zap.String("provider", trade.Provider),
				)
			}
		case models.DirectionBuyToCover:
			remainder := m.consume(book, trade, true, result)
			if remainder > 0 {
				result.Incomplete = append(result.Incomplete, incompleteClose(trade, remainder))
				m.logger.Warn("Cover without matching short lot",
					zap.String("symbol", trade.Symbol),
					zap.Float64("unmatched_quantity", remainder),
					zap.Time("close_date", trade.TradeDate),
					zap.String("provider", trade.Provider),
				)
			}
		default:
			m.logger.Warn("Skipping trade with unknown direction",
				zap.String("symbol", trade.Symbol),
				zap.String("direction", trade.Direction),
			)
		}
	}

	// Collect leftover lots in symbol order for a deterministic report.
	symbols := make([]string, 0, len(books))
	for symbol := range books {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		for _, lot := range books[symbol].lots {
			result.OpenLots = append(result.OpenLots, *lot)
		}
	}

	return result
}

// consume closes trade against the front of the lot queue, emitting one
// RealizedTrade per consumed lot. coverShorts selects which side of the book
// the close applies to. Returns the unmatched remainder quantity.
func (m *Matcher) consume(book *symbolBook, trade models.NormalizedTrade, coverShorts bool, result *Result) float64 {
	remaining := trade.Quantity

	for remaining > 0 && len(book.lots) > 0 {
		lot := book.lots[0]
		if lot.Short != coverShorts {
			break
		}

		matched := math.Min(remaining, lot.QuantityRemaining)

		pnl := (trade.Price - lot.OpenPrice) * matched
		if lot.Short {
			pnl = (lot.OpenPrice - trade.Price) * matched
		}

		result.Realized = append(result.Realized, models.RealizedTrade{
			Symbol:      trade.Symbol,
			OpenDate:    lot.OpenDate,
			CloseDate:   trade.TradeDate,
			Quantity:    matched,
			OpenPrice:   lot.OpenPrice,
			ClosePrice:  trade.Price,
			PnLNative:   pnl,
			PnLUSD:      pnl * m.usdRate(trade.Currency),
			Currency:    trade.Currency,
			HoldingDays: holdingDays(lot.OpenDate, trade.TradeDate),
			Direction:   trade.Direction,
			Win:         pnl > 0,
		})

		remaining -= matched
		lot.QuantityRemaining -= matched
		if lot.QuantityRemaining <= 0 {
			book.lots = book.lots[1:]
		}
	}

	return remaining
}

// usdRate resolves the currency's USD spot rate, degrading to 1.0 with a
// warning when the FX source fails. Reporting must not hard-fail on a missing
// quote.
func (m *Matcher) usdRate(currency string) float64 {
	rate, err := m.fx.SpotRate(currency)
	if err != nil {
		m.logger.Warn("FX rate lookup failed, using 1.0",
			zap.String("currency", currency),
			zap.Error(err),
		)
		return 1.0
	}
	return rate
}

func openLot(trade models.NormalizedTrade, quantity float64, short bool) *models.Lot {
	return &models.Lot{
		Symbol:            trade.Symbol,
		QuantityRemaining: quantity,
		OpenPrice:         trade.Price,
		OpenDate:          trade.TradeDate,
		Currency:          trade.Currency,
		Short:             short,
	}
}

func incompleteClose(trade models.NormalizedTrade, quantity float64) models.IncompleteClose {
	return models.IncompleteClose{
		Symbol:     trade.Symbol,
		CloseDate:  trade.TradeDate,
		Quantity:   quantity,
		ClosePrice: trade.Price,
		Currency:   trade.Currency,
		Direction:  trade.Direction,
		Provider:   trade.Provider,
	}
}

func holdingDays(open, close time.Time) int {
	days := int(close.Sub(open).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
