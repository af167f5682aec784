package normalize

import (
	"fmt"
	"math"

	"brokerhub/internal/models"
	"go.uber.org/zap"
)

// priceTolerance is the absolute price difference under which two records
// from different providers still count as the same fill. Brokers round
// average fill prices differently.
const priceTolerance = 0.01

// Deduplicate removes trades that represent the same economic event reported
// by two providers, e.g. an account visible through two integrations. The
// composite key is (symbol, trade date, quantity, direction, account) with a
// price tolerance; the first occurrence wins. Because trades and fifo records
// travel together in a TradePair, dropping a pair drops both sides at the
// same index by construction.
func Deduplicate(pairs []models.TradePair, logger *zap.Logger) []models.TradePair {
	type seenEntry struct {
		price    float64
		provider string
	}
	seen := make(map[string][]seenEntry)

	out := make([]models.TradePair, 0, len(pairs))
	for _, pair := range pairs {
		f := pair.Fifo
		key := fmt.Sprintf("%s|%s|%.4f|%s|%s",
			f.Symbol,
			f.TradeDate.Format("2006-01-02"),
			f.Quantity,
			f.Direction,
			f.AccountID,
		)

		duplicate := false
		for _, entry := range seen[key] {
			if entry.provider != f.Provider && math.Abs(entry.price-f.Price) <= priceTolerance {
				duplicate = true
				logger.Info("Dropping duplicate trade reported by second provider",
					zap.String("symbol", f.Symbol),
					zap.Time("trade_date", f.TradeDate),
					zap.Float64("quantity", f.Quantity),
					zap.String("kept_provider", entry.provider),
					zap.String("dropped_provider", f.Provider),
				)
				break
			}
		}
		if duplicate {
			continue
		}

		seen[key] = append(seen[key], seenEntry{price: f.Price, provider: f.Provider})
		out = append(out, pair)
	}

	return out
}

// SplitPairs unpacks pairs into the aligned trade and fifo-record lists.
// len(trades) == len(fifos) always holds.
func SplitPairs(pairs []models.TradePair) ([]models.NormalizedTrade, []models.FifoRecord) {
	trades := make([]models.NormalizedTrade, len(pairs))
	fifos := make([]models.FifoRecord, len(pairs))
	for i, pair := range pairs {
		trades[i] = pair.Trade
		fifos[i] = pair.Fifo
	}
	return trades, fifos
}
