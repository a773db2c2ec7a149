package cleaner

import (
	"math/bits"
	"sync"

	"qingxi/models"
)

const maxBuckets = 4096

// bucketSorter distributes levels into price buckets and walks the occupied
// ones through a bitmap, so the cost is linear in the number of levels.
// Scratch buffers are reused through sorterPool.
type bucketSorter struct {
	counts []int32
	bitmap []uint64
	out    []models.OrderBookEntry
}

var sorterPool = sync.Pool{New: func() any { return &bucketSorter{} }}

func bucketSort(levels []models.OrderBookEntry, descending bool) {
	s := sorterPool.Get().(*bucketSorter)
	s.sort(levels, descending)
	sorterPool.Put(s)
}

func (s *bucketSorter) sort(levels []models.OrderBookEntry, descending bool) {
	n := len(levels)
	if n < 2 {
		return
	}
	lo, hi := levels[0].Price, levels[0].Price
	for _, l := range levels[1:] {
		if l.Price < lo {
			lo = l.Price
		}
		if l.Price > hi {
			hi = l.Price
		}
	}
	if hi == lo {
		return
	}

	buckets := min(n, maxBuckets)
	s.counts = resizeZero(s.counts, buckets)
	s.bitmap = resizeZero(s.bitmap, (buckets+63)/64)
	if cap(s.out) < n {
		s.out = make([]models.OrderBookEntry, n)
	}
	out := s.out[:n]

	scale := float64(buckets-1) / (hi - lo)
	index := func(p float64) int {
		i := int((p - lo) * scale)
		if i < 0 {
			return 0
		}
		if i >= buckets {
			return buckets - 1
		}
		return i
	}

	for _, l := range levels {
		b := index(l.Price)
		s.counts[b]++
		s.bitmap[b>>6] |= 1 << uint(b&63)
	}
	// counts[b] becomes the start offset of bucket b
	var sum int32
	for b := range s.counts {
		c := s.counts[b]
		s.counts[b] = sum
		sum += c
	}
	for _, l := range levels {
		b := index(l.Price)
		out[s.counts[b]] = l
		s.counts[b]++
	}
	// counts[b] is now the end offset of bucket b
	for w, word := range s.bitmap {
		for word != 0 {
			b := w<<6 + bits.TrailingZeros64(word)
			word &= word - 1
			end := int(s.counts[b])
			start := 0
			if b > 0 {
				start = int(s.counts[b-1])
			}
			insertionSort(out[start:end])
		}
	}

	if descending {
		for i := range levels {
			levels[i] = out[n-1-i]
		}
		return
	}
	copy(levels, out)
}

func insertionSort(levels []models.OrderBookEntry) {
	for i := 1; i < len(levels); i++ {
		v := levels[i]
		j := i - 1
		for j >= 0 && levels[j].Price > v.Price {
			levels[j+1] = levels[j]
			j--
		}
		levels[j+1] = v
	}
}

func resizeZero[T int32 | uint64](buf []T, n int) []T {
	if cap(buf) < n {
		return make([]T, n)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}
