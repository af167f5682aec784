// Package normalize converts raw, provider-specific activity records into the
// canonical trade and income model. One normalizer per provider; all of them
// share the parsing helpers in this file. Malformed records are skipped and
// logged, never fatal.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"brokerhub/internal/models"
)

// dateLayouts are tried in order when parsing provider date strings. Brokers
// disagree on almost everything here.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"20060102-15:04:05", // FIX-style gateway timestamps
	"20060102",
}

// parseDate tries the known layouts and reports whether any matched.
func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseAmount parses a numeric field, tolerating thousands separators,
// currency prefixes and accounting-style parentheses for negatives.
func parseAmount(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		negative = true
		value = value[1 : len(value)-1]
	}
	value = strings.TrimPrefix(value, "$")
	value = strings.ReplaceAll(value, ",", "")

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		f = -f
	}
	return f, true
}

// occSymbolPattern matches OCC option symbols like AAPL240621C00190000.
var occSymbolPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

// parseOCCSymbol extracts the underlying and contract terms from an OCC
// option symbol. Returns ok=false for anything else.
func parseOCCSymbol(symbol string) (underlying string, contract *models.ContractIdentity, ok bool) {
	m := occSymbolPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if m == nil {
		return "", nil, false
	}

	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return "", nil, false
	}
	strikeRaw, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return "", nil, false
	}

	putCall := "CALL"
	if m[3] == "P" {
		putCall = "PUT"
	}

	return m[1], &models.ContractIdentity{
		Strike:     strikeRaw / 1000,
		Expiry:     expiry,
		Multiplier: 100,
		PutCall:    putCall,
	}, true
}

// optionDescPattern matches human-readable option descriptions like
// "AAPL Jun 21 2024 $190.00 Call".
var optionDescPattern = regexp.MustCompile(`(?i)^([A-Z]{1,6})\s+(\w{3})\s+(\d{1,2})\s+(\d{4})\s+\$?(\d+(?:\.\d+)?)\s+(Call|Put)$`)

// parseOptionDescription extracts contract terms from a description string,
// used by providers with no structured option fields.
func parseOptionDescription(description string) (underlying string, contract *models.ContractIdentity, ok bool) {
	m := optionDescPattern.FindStringSubmatch(strings.TrimSpace(description))
	if m == nil {
		return "", nil, false
	}

	expiry, err := time.Parse("Jan 2 2006", m[2]+" "+m[3]+" "+m[4])
	if err != nil {
		return "", nil, false
	}
	strike, err := strconv.ParseFloat(m[5], 64)
	if err != nil {
		return "", nil, false
	}

	return strings.ToUpper(m[1]), &models.ContractIdentity{
		Strike:     strike,
		Expiry:     expiry,
		Multiplier: 100,
		PutCall:    strings.ToUpper(m[6]),
	}, true
}

// futuresSymbolPattern matches root + month code + 1-2 digit year, e.g. ESZ5
// or CLM25, optionally with a leading slash.
var futuresSymbolPattern = regexp.MustCompile(`^/?[A-Z]{1,3}[FGHJKMNQUVXZ]\d{1,2}$`)

// fxSymbolPattern matches currency pairs like EUR/USD or EURUSD.
var fxSymbolPattern = regexp.MustCompile(`^[A-Z]{3}/?[A-Z]{3}$`)

// inferInstrumentType classifies a symbol when the provider gives no
// structured instrument field. Equity is the fallback.
func inferInstrumentType(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case occSymbolPattern.MatchString(symbol):
		return models.InstrumentOption
	case futuresSymbolPattern.MatchString(symbol):
		return models.InstrumentFuture
	case fxSymbolPattern.MatchString(symbol) && strings.Contains(symbol, "/"):
		return models.InstrumentFX
	default:
		return models.InstrumentEquity
	}
}

// canonicalDirection maps the provider side vocabulary onto the canonical
// direction constants. Unknown sides report ok=false.
func canonicalDirection(side string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "b", "bot":
		return models.DirectionBuy, true
	case "sell", "s", "sld":
		return models.DirectionSell, true
	case "sell_short", "sell short", "short":
		return models.DirectionSellShort, true
	case "buy_to_cover", "buy to cover", "cover":
		return models.DirectionBuyToCover, true
	}
	return "", false
}

// newPair derives the FifoRecord from a freshly built trade so the two can
// never disagree.
func newPair(trade models.NormalizedTrade) models.TradePair {
	return models.TradePair{
		Trade: trade,
		Fifo: models.FifoRecord{
			Symbol:    trade.Symbol,
			TradeDate: trade.TradeDate,
			Quantity:  trade.Quantity,
			Price:     trade.Price,
			Direction: trade.Direction,
			AccountID: trade.AccountID,
			Provider:  trade.Provider,
		},
	}
}

// displayName prefers the security-metadata name, falling back to whatever
// the provider supplied.
func displayName(symbol, fromProvider string, meta map[string]models.SecurityMeta) string {
	if m, ok := meta[symbol]; ok && m.Name != "" {
		return m.Name
	}
	return fromProvider
}
