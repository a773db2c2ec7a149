package models

import (
	"math"
)

// OrderBookEntry represents a single price level in the order book
type OrderBookEntry struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Valid reports whether the level is usable: price and quantity both positive and finite.
func (e OrderBookEntry) Valid() bool {
	return e.Price > 0 && e.Quantity > 0 && !math.IsInf(e.Price, 0) && !math.IsInf(e.Quantity, 0)
}

// OrderBook is the canonical bid/ask state of one symbol on one exchange.
// Bids are kept descending and asks ascending once the book has been cleaned.
type OrderBook struct {
	Symbol     Symbol           `json:"symbol"`
	Source     string           `json:"source"`
	Bids       []OrderBookEntry `json:"bids"`
	Asks       []OrderBookEntry `json:"asks"`
	Timestamp  int64            `json:"timestamp"` // unix nanoseconds
	SequenceID *uint64          `json:"sequence_id,omitempty"`
	Checksum   *uint32          `json:"checksum,omitempty"`
}

// NewOrderBook creates an empty book stamped with ts.
func NewOrderBook(symbol Symbol, source string, ts int64) *OrderBook {
	return &OrderBook{Symbol: symbol, Source: source, Timestamp: ts}
}

// BestBid returns the first bid level. Only meaningful on a sorted book.
func (ob *OrderBook) BestBid() (OrderBookEntry, bool) {
	if ob == nil || len(ob.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the first ask level. Only meaningful on a sorted book.
func (ob *OrderBook) BestAsk() (OrderBookEntry, bool) {
	if ob == nil || len(ob.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return ob.Asks[0], true
}

// MidPrice returns (best bid + best ask) / 2, or false when a side is empty.
func (ob *OrderBook) MidPrice() (float64, bool) {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	if !okb || !oka {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Spread returns best ask minus best bid.
func (ob *OrderBook) Spread() (float64, bool) {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	if !okb || !oka {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// IsInverted reports best_bid >= best_ask.
func (ob *OrderBook) IsInverted() bool {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	return okb && oka && bid.Price >= ask.Price
}

// Depth returns the number of bid and ask levels.
func (ob *OrderBook) Depth() (int, int) {
	if ob == nil {
		return 0, 0
	}
	return len(ob.Bids), len(ob.Asks)
}

// Clone returns a deep copy so the receiver can be handed to a new owner.
func (ob *OrderBook) Clone() *OrderBook {
	if ob == nil {
		return nil
	}
	out := *ob
	out.Bids = append([]OrderBookEntry(nil), ob.Bids...)
	out.Asks = append([]OrderBookEntry(nil), ob.Asks...)
	if ob.SequenceID != nil {
		seq := *ob.SequenceID
		out.SequenceID = &seq
	}
	if ob.Checksum != nil {
		sum := *ob.Checksum
		out.Checksum = &sum
	}
	return &out
}

// IsSorted reports whether bids are strictly descending and asks strictly ascending.
func (ob *OrderBook) IsSorted() bool {
	for i := 1; i < len(ob.Bids); i++ {
		if ob.Bids[i].Price >= ob.Bids[i-1].Price {
			return false
		}
	}
	for i := 1; i < len(ob.Asks); i++ {
		if ob.Asks[i].Price <= ob.Asks[i-1].Price {
			return false
		}
	}
	return true
}
