package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ParseEntry decodes a price/quantity pair sent as decimal strings.
func ParseEntry(price, qty string) (OrderBookEntry, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return OrderBookEntry{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return OrderBookEntry{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return OrderBookEntry{Price: p.InexactFloat64(), Quantity: q.InexactFloat64()}, nil
}

// ParseLevels decodes [["price","qty", ...], ...] rows. Extra columns are
// ignored; short rows are an error.
func ParseLevels(rows [][]string) ([]OrderBookEntry, error) {
	out := make([]OrderBookEntry, 0, len(rows))
	for i, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("level %d: expected price and quantity, got %d fields", i, len(r))
		}
		e, err := ParseEntry(r[0], r[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MillisToNanos converts an exchange millisecond timestamp.
func MillisToNanos(ms int64) int64 {
	return ms * int64(time.Millisecond)
}
