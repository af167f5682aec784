package gateway

import (
	"regexp"
	"strconv"
	"strings"

	"brokerhub/internal/models"
)

func parseWireFloat(value string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

var (
	wireFuturesPattern = regexp.MustCompile(`^/?[A-Z]{1,3}[FGHJKMNQUVXZ]\d{1,2}$`)
	wireFXPattern      = regexp.MustCompile(`^[A-Z]{3}/[A-Z]{3}$`)
)

// inferWireInstrument classifies a gateway symbol the same way the gateway
// normalizer does: futures month codes, slash currency pairs, else equity.
func inferWireInstrument(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case wireFuturesPattern.MatchString(symbol):
		return models.InstrumentFuture
	case wireFXPattern.MatchString(symbol):
		return models.InstrumentFX
	default:
		return models.InstrumentEquity
	}
}
