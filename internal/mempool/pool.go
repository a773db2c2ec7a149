// Package mempool hands out pre-allocated UltraFastOrderBook slots. Ownership
// is tracked by an atomic bitmap with one bit per slot; allocate and release
// never touch the heap.
package mempool

import (
	"errors"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const DefaultCapacity = 2000

var (
	ErrForeignHandle = errors.New("mempool: handle does not belong to this pool")
	ErrDoubleRelease = errors.New("mempool: slot already free")
)

const slotSize = unsafe.Sizeof(UltraFastOrderBook{})

// Pool is safe for concurrent use. Allocate returns nil when every slot is
// taken; that is backpressure and the caller decides whether to drop or wait.
type Pool struct {
	slots    []UltraFastOrderBook
	bitmap   []atomic.Uint64
	base     uintptr
	capacity int

	cursor      atomic.Uint64
	inUse       atomic.Int64
	allocations atomic.Uint64
	releases    atomic.Uint64
	exhausted   atomic.Uint64
}

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	Capacity    int
	InUse       int64
	Allocations uint64
	Releases    uint64
	Exhausted   uint64
}

// New builds a pool of capacity slots (DefaultCapacity when <= 0) and warms
// every slot so page faults happen here instead of on the hot path.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	words := (capacity + 63) / 64
	p := &Pool{
		slots:    make([]UltraFastOrderBook, capacity),
		bitmap:   make([]atomic.Uint64, words),
		capacity: capacity,
	}
	p.base = uintptr(unsafe.Pointer(&p.slots[0]))

	// bits past capacity in the last word are permanently claimed
	if rem := capacity % 64; rem != 0 {
		p.bitmap[words-1].Store(^uint64(0) << rem)
	}

	p.warmUp()
	return p
}

func (p *Pool) warmUp() {
	handles := make([]*UltraFastOrderBook, 0, p.capacity)
	for {
		h := p.Allocate()
		if h == nil {
			break
		}
		h.bids[0].Price = 1
		h.asks[MaxLevels-1].Price = 1
		handles = append(handles, h)
	}
	for _, h := range handles {
		_ = p.Release(h)
	}
	p.allocations.Store(0)
	p.releases.Store(0)
	p.exhausted.Store(0)
	p.cursor.Store(0)
}

// Allocate claims a free slot, starting the scan at a rotating word so
// concurrent callers spread across the bitmap. The returned book is reset.
func (p *Pool) Allocate() *UltraFastOrderBook {
	words := uint64(len(p.bitmap))
	start := p.cursor.Add(1) - 1
	for i := uint64(0); i < words; i++ {
		w := (start + i) % words
		word := &p.bitmap[w]
		for {
			cur := word.Load()
			if cur == ^uint64(0) {
				break
			}
			bit := bits.TrailingZeros64(^cur)
			if word.CompareAndSwap(cur, cur|1<<uint(bit)) {
				h := &p.slots[int(w)*64+bit]
				h.Reset()
				p.inUse.Add(1)
				p.allocations.Add(1)
				return h
			}
		}
	}
	p.exhausted.Add(1)
	return nil
}

// Release returns h to the pool. The slot index comes from h's offset into
// the pool's backing array.
func (p *Pool) Release(h *UltraFastOrderBook) error {
	idx, err := p.indexOf(h)
	if err != nil {
		return err
	}
	word := &p.bitmap[idx/64]
	mask := uint64(1) << uint(idx%64)
	for {
		cur := word.Load()
		if cur&mask == 0 {
			return ErrDoubleRelease
		}
		if word.CompareAndSwap(cur, cur&^mask) {
			p.inUse.Add(-1)
			p.releases.Add(1)
			return nil
		}
	}
}

func (p *Pool) indexOf(h *UltraFastOrderBook) (int, error) {
	if h == nil {
		return 0, ErrForeignHandle
	}
	addr := uintptr(unsafe.Pointer(h))
	if addr < p.base {
		return 0, ErrForeignHandle
	}
	off := addr - p.base
	if off%slotSize != 0 {
		return 0, ErrForeignHandle
	}
	idx := int(off / slotSize)
	if idx >= p.capacity {
		return 0, ErrForeignHandle
	}
	return idx, nil
}

func (p *Pool) Capacity() int { return p.capacity }

// Available returns the number of free slots at the time of the call.
func (p *Pool) Available() int {
	return p.capacity - int(p.inUse.Load())
}

func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:    p.capacity,
		InUse:       p.inUse.Load(),
		Allocations: p.allocations.Load(),
		Releases:    p.releases.Load(),
		Exhausted:   p.exhausted.Load(),
	}
}
