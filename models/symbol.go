package models

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Symbol is a base/quote currency pair. It is a comparable value type so it
// can be used directly as a map key.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// knownQuotes is checked longest first when splitting concatenated pairs.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "USD", "EUR"}

func NewSymbol(base, quote string) Symbol {
	return Symbol{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParseSymbol accepts BTC/USDT, BTC-USDT, BTC_USDT and BTCUSDT.
func ParseSymbol(s string) (Symbol, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}, fmt.Errorf("empty symbol")
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(s, sep); len(parts) >= 2 {
			if parts[0] == "" || parts[1] == "" {
				return Symbol{}, fmt.Errorf("invalid symbol %q", s)
			}
			return Symbol{Base: parts[0], Quote: parts[1]}, nil
		}
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return Symbol{Base: strings.TrimSuffix(s, q), Quote: q}, nil
		}
	}
	return Symbol{}, fmt.Errorf("cannot determine quote currency of %q", s)
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// Pair renders the symbol with a venue specific separator, e.g. "" for
// BTCUSDT or "-" for BTC-USDT.
func (s Symbol) Pair(sep string) string {
	return s.Base + sep + s.Quote
}

func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == ""
}

// UnmarshalYAML lets configuration files spell symbols as plain strings.
func (s *Symbol) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	sym, err := ParseSymbol(raw)
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

func (s Symbol) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
