package symbols

import (
	"strings"

	"qingxi/models"
)

// Instrument strips venue decorations from a raw instrument name but keeps its
// separator, e.g. okx "BTC-USDT-SWAP" becomes "BTC-USDT". XBT is mapped to BTC
// for every venue.
func Instrument(exchange, raw string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "bybit", "binance":
		// perpetuals carry no suffix
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// Compact is Instrument without separators, the form binance and bybit use
// on the wire.
func Compact(exchange, raw string) string {
	return strings.NewReplacer("-", "", "/", "", "_", "").Replace(Instrument(exchange, raw))
}

// Resolve maps a venue instrument back to the subscribed symbol so map keys
// stay identical to the configuration, falling back to models.ParseSymbol.
func Resolve(exchange, raw string, subs []models.Subscription) (models.Symbol, error) {
	c := Compact(exchange, raw)
	for _, s := range subs {
		if s.Symbol.Pair("") == c {
			return s.Symbol, nil
		}
	}
	return models.ParseSymbol(Instrument(exchange, raw))
}
