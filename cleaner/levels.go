package cleaner

import (
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"qingxi/internal/simd"
	"qingxi/models"
)

// filterValid drops non-positive and non-finite levels in place.
func filterValid(levels []models.OrderBookEntry) []models.OrderBookEntry {
	n := 0
	for _, l := range levels {
		if l.Valid() {
			levels[n] = l
			n++
		}
	}
	return levels[:n]
}

// sortMerge orders both sides and folds duplicate prices.
func sortMerge(ob *models.OrderBook) {
	simd.SortBids(ob.Bids)
	simd.SortAsks(ob.Asks)
	ob.Bids = simd.MergePriceLevels(ob.Bids)
	ob.Asks = simd.MergePriceLevels(ob.Asks)
}

// uncross removes every bid at or above the best ask and every ask at or
// below the best bid. Survivors always satisfy best bid < best ask. Sides
// must already be sorted.
func uncross(ob *models.OrderBook) {
	if !ob.IsInverted() {
		return
	}
	bestBid, bestAsk := ob.Bids[0].Price, ob.Asks[0].Price
	i := 0
	for i < len(ob.Bids) && ob.Bids[i].Price >= bestAsk {
		i++
	}
	j := 0
	for j < len(ob.Asks) && ob.Asks[j].Price <= bestBid {
		j++
	}
	ob.Bids = ob.Bids[i:]
	ob.Asks = ob.Asks[j:]
}

// filterDeviation keeps levels within tol (fraction) of mid.
func filterDeviation(levels []models.OrderBookEntry, mid, tol float64) []models.OrderBookEntry {
	if mid <= 0 || tol <= 0 {
		return levels
	}
	n := 0
	for _, l := range levels {
		if math.Abs(l.Price-mid)/mid <= tol {
			levels[n] = l
			n++
		}
	}
	return levels[:n]
}

func capDepth(levels []models.OrderBookEntry, depth int) []models.OrderBookEntry {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}

func dropBelowQuantity(levels []models.OrderBookEntry, minQty float64) []models.OrderBookEntry {
	if minQty <= 0 {
		return levels
	}
	n := 0
	for _, l := range levels {
		if l.Quantity >= minQty {
			levels[n] = l
			n++
		}
	}
	return levels[:n]
}

// roundPrices rounds every price to places decimals.
func roundPrices(levels []models.OrderBookEntry, places int32) {
	for i := range levels {
		f, _ := decimal.NewFromFloat(levels[i].Price).Round(places).Float64()
		levels[i].Price = f
	}
}

// rawBest scans unsorted sides for the highest valid bid and lowest valid ask.
func rawBest(ob *models.OrderBook) (bid, ask float64, hasBid, hasAsk bool) {
	for _, l := range ob.Bids {
		if l.Valid() && (!hasBid || l.Price > bid) {
			bid, hasBid = l.Price, true
		}
	}
	for _, l := range ob.Asks {
		if l.Valid() && (!hasAsk || l.Price < ask) {
			ask, hasAsk = l.Price, true
		}
	}
	return
}

// isClean reports the ordering and no-inversion properties of a cleaned book.
func isClean(ob *models.OrderBook) bool {
	if ob == nil {
		return true
	}
	return ob.IsSorted() && !ob.IsInverted()
}

func validTrade(t models.TradeUpdate) bool {
	return t.Price > 0 && t.Quantity > 0 && !math.IsInf(t.Price, 0) && !math.IsInf(t.Quantity, 0)
}

// cleanTrades drops non-positive trades and orders the rest by timestamp.
func cleanTrades(trades []models.TradeUpdate) []models.TradeUpdate {
	n := 0
	for _, t := range trades {
		if validTrade(t) {
			trades[n] = t
			n++
		}
	}
	trades = trades[:n]
	slices.SortStableFunc(trades, func(a, b models.TradeUpdate) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return trades
}

// tradeBand returns the accepted price range for trades. With a two sided
// book it is [best bid, best ask] widened by tol; otherwise the trades' own
// [min, max] widened by tol.
func tradeBand(ob *models.OrderBook, trades []models.TradeUpdate, tol float64) (lo, hi float64, ok bool) {
	if bid, okb := ob.BestBid(); okb {
		if ask, oka := ob.BestAsk(); oka {
			return bid.Price * (1 - tol), ask.Price * (1 + tol), true
		}
	}
	if len(trades) == 0 {
		return 0, 0, false
	}
	lo, hi = trades[0].Price, trades[0].Price
	for _, t := range trades[1:] {
		lo = min(lo, t.Price)
		hi = max(hi, t.Price)
	}
	return lo * (1 - tol), hi * (1 + tol), true
}

func filterTradeBand(trades []models.TradeUpdate, lo, hi float64) []models.TradeUpdate {
	n := 0
	for _, t := range trades {
		if t.Price >= lo && t.Price <= hi {
			trades[n] = t
			n++
		}
	}
	return trades[:n]
}

// freshnessFactor decays stepwise with age: 1.0 under 1s down to 0.5 at 30s.
func freshnessFactor(age time.Duration) float64 {
	switch {
	case age < time.Second:
		return 1.0
	case age < 5*time.Second:
		return 0.9
	case age < 10*time.Second:
		return 0.8
	case age < 30*time.Second:
		return 0.7
	default:
		return 0.5
	}
}
