// Package book keeps per-symbol local order books so streamed deltas can be
// applied onto the last snapshot before cleaning.
package book

import (
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"qingxi/models"
)

func compareBidPrice(a, b interface{}) int {
	return utils.Float64Comparator(b.(float64), a.(float64))
}

func compareAskPrice(a, b interface{}) int {
	return utils.Float64Comparator(a.(float64), b.(float64))
}

// Book is the local state of one symbol on one exchange. Bids iterate
// descending and asks ascending.
type Book struct {
	mu     sync.RWMutex
	symbol models.Symbol
	source string
	bids   *rbt.Tree
	asks   *rbt.Tree
	seq    uint64
	hasSeq bool
	ts     int64
}

func NewBook(symbol models.Symbol, source string) *Book {
	return &Book{
		symbol: symbol,
		source: source,
		bids:   rbt.NewWith(compareBidPrice),
		asks:   rbt.NewWith(compareAskPrice),
	}
}

func putLevels(t *rbt.Tree, levels []models.OrderBookEntry) {
	for _, l := range levels {
		if l.Quantity == 0 {
			t.Remove(l.Price)
			continue
		}
		t.Put(l.Price, l.Quantity)
	}
}

func (b *Book) stamp(ob *models.OrderBook) {
	if ob.SequenceID != nil {
		b.seq = *ob.SequenceID
		b.hasSeq = true
	}
	if ob.Timestamp > b.ts {
		b.ts = ob.Timestamp
	}
}

// ApplySnapshot replaces the whole book.
func (b *Book) ApplySnapshot(ob *models.OrderBook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear()
	b.asks.Clear()
	b.hasSeq = false
	b.ts = 0
	putLevels(b.bids, ob.Bids)
	putLevels(b.asks, ob.Asks)
	b.stamp(ob)
}

// ApplyDelta merges changed levels; a zero quantity removes the level. A
// delta whose sequence id is not newer than the book's is ignored and false
// is returned.
func (b *Book) ApplyDelta(ob *models.OrderBook) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ob.SequenceID != nil && b.hasSeq && *ob.SequenceID <= b.seq {
		return false
	}
	putLevels(b.bids, ob.Bids)
	putLevels(b.asks, ob.Asks)
	b.stamp(ob)
	return true
}

func collect(t *rbt.Tree, depth int) []models.OrderBookEntry {
	n := t.Size()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]models.OrderBookEntry, 0, n)
	it := t.Iterator()
	for it.Next() && len(out) < n {
		out = append(out, models.OrderBookEntry{Price: it.Key().(float64), Quantity: it.Value().(float64)})
	}
	return out
}

// OrderBook materializes the top depth levels per side; depth <= 0 returns all.
func (b *Book) OrderBook(depth int) *models.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ob := models.NewOrderBook(b.symbol, b.source, b.ts)
	ob.Bids = collect(b.bids, depth)
	ob.Asks = collect(b.asks, depth)
	if b.hasSeq {
		seq := b.seq
		ob.SequenceID = &seq
	}
	return ob
}

// Depth returns the number of bid and ask levels held.
func (b *Book) Depth() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Size(), b.asks.Size()
}

// Sequence returns the last applied sequence id.
func (b *Book) Sequence() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq, b.hasSeq
}
