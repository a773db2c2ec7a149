package mempool

import (
	"sync/atomic"
	"unsafe"

	"qingxi/models"
)

// MaxLevels is the fixed per-side capacity of an UltraFastOrderBook.
const MaxLevels = 120

const cacheLine = 64

// UltraFastOrderBook is a fixed-capacity book stored inline so it can live in
// a pool slot without further allocation. The 128 byte header keeps the level
// arrays on their own cache lines; the whole struct is a multiple of 64 bytes
// so consecutive slots never share a line.
type UltraFastOrderBook struct {
	bidLen     atomic.Uint32
	askLen     atomic.Uint32
	Timestamp  int64
	SequenceID uint64
	Symbol     models.Symbol
	Source     string
	_          [56]byte

	bids [MaxLevels]models.OrderBookEntry
	asks [MaxLevels]models.OrderBookEntry
}

var _ [-int(unsafe.Sizeof(UltraFastOrderBook{}) % cacheLine)]byte
var _ [-int(unsafe.Offsetof(UltraFastOrderBook{}.bids) % cacheLine)]byte

// Reset clears the counters and metadata. Level contents are left as is; they
// are unreachable until rewritten.
func (b *UltraFastOrderBook) Reset() {
	b.bidLen.Store(0)
	b.askLen.Store(0)
	b.Timestamp = 0
	b.SequenceID = 0
	b.Symbol = models.Symbol{}
	b.Source = ""
}

func (b *UltraFastOrderBook) BidLen() int { return int(b.bidLen.Load()) }
func (b *UltraFastOrderBook) AskLen() int { return int(b.askLen.Load()) }

// Bids returns the valid bid levels. The slice aliases the slot and must not
// outlive the handle.
func (b *UltraFastOrderBook) Bids() []models.OrderBookEntry {
	return b.bids[:b.bidLen.Load()]
}

// Asks returns the valid ask levels, aliasing the slot.
func (b *UltraFastOrderBook) Asks() []models.OrderBookEntry {
	return b.asks[:b.askLen.Load()]
}

// PushBid appends a level; false when the side is full.
func (b *UltraFastOrderBook) PushBid(e models.OrderBookEntry) bool {
	n := b.bidLen.Load()
	if n >= MaxLevels {
		return false
	}
	b.bids[n] = e
	b.bidLen.Store(n + 1)
	return true
}

// PushAsk appends a level; false when the side is full.
func (b *UltraFastOrderBook) PushAsk(e models.OrderBookEntry) bool {
	n := b.askLen.Load()
	if n >= MaxLevels {
		return false
	}
	b.asks[n] = e
	b.askLen.Store(n + 1)
	return true
}

// SetBids replaces the bid side, truncating to MaxLevels. Returns levels kept.
func (b *UltraFastOrderBook) SetBids(levels []models.OrderBookEntry) int {
	n := copy(b.bids[:], levels)
	b.bidLen.Store(uint32(n))
	return n
}

// SetAsks replaces the ask side, truncating to MaxLevels. Returns levels kept.
func (b *UltraFastOrderBook) SetAsks(levels []models.OrderBookEntry) int {
	n := copy(b.asks[:], levels)
	b.askLen.Store(uint32(n))
	return n
}

// TruncateBids shrinks the bid side to n levels.
func (b *UltraFastOrderBook) TruncateBids(n int) {
	if n < 0 {
		n = 0
	}
	if uint32(n) < b.bidLen.Load() {
		b.bidLen.Store(uint32(n))
	}
}

// TruncateAsks shrinks the ask side to n levels.
func (b *UltraFastOrderBook) TruncateAsks(n int) {
	if n < 0 {
		n = 0
	}
	if uint32(n) < b.askLen.Load() {
		b.askLen.Store(uint32(n))
	}
}

// Load copies ob into the slot. It reports false when either side had to be truncated.
func (b *UltraFastOrderBook) Load(ob *models.OrderBook) bool {
	b.Symbol = ob.Symbol
	b.Source = ob.Source
	b.Timestamp = ob.Timestamp
	b.SequenceID = 0
	if ob.SequenceID != nil {
		b.SequenceID = *ob.SequenceID
	}
	nb := b.SetBids(ob.Bids)
	na := b.SetAsks(ob.Asks)
	return nb == len(ob.Bids) && na == len(ob.Asks)
}

// Store writes the slot contents back into ob, reusing its slices when they
// have room.
func (b *UltraFastOrderBook) Store(ob *models.OrderBook) {
	ob.Bids = append(ob.Bids[:0], b.Bids()...)
	ob.Asks = append(ob.Asks[:0], b.Asks()...)
}
