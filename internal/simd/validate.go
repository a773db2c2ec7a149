// Package simd provides batch range checks over price and quantity arrays and
// price-level sorting. Checks run in fixed-width lane blocks sized from the
// host's vector width; the scalar path produces identical results.
package simd

import (
	"math"

	"golang.org/x/sys/cpu"

	"qingxi/models"
)

const (
	LanesScalar = 1
	Lanes4      = 4
	Lanes8      = 8
)

// DetectLanes picks the block width from the CPU features of the host.
func DetectLanes() int {
	switch {
	case cpu.X86.HasAVX512F, cpu.X86.HasAVX2:
		return Lanes8
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return Lanes4
	default:
		return LanesScalar
	}
}

var hostLanes = DetectLanes()

// Validator checks prices against [MinPrice, MaxPrice] and quantities against
// MinQuantity. A zero MaxPrice means no upper bound.
type Validator struct {
	MinPrice    float64
	MaxPrice    float64
	MinQuantity float64
	lanes       int
}

func NewValidator(minPrice, maxPrice, minQuantity float64) *Validator {
	return &Validator{MinPrice: minPrice, MaxPrice: maxPrice, MinQuantity: minQuantity, lanes: hostLanes}
}

func (v *Validator) Lanes() int { return v.lanes }

// SetLanes overrides the detected width. Anything other than 4 or 8 selects
// the scalar path.
func (v *Validator) SetLanes(n int) {
	switch n {
	case Lanes4, Lanes8:
		v.lanes = n
	default:
		v.lanes = LanesScalar
	}
}

func (v *Validator) maxPrice() float64 {
	if v.MaxPrice <= 0 {
		return math.MaxFloat64
	}
	return v.MaxPrice
}

func (v *Validator) ValidatePrices(prices []float64) []bool {
	return v.ValidatePricesInto(make([]bool, len(prices)), prices)
}

// ValidatePricesInto writes min <= p <= max for every price into dst, growing
// dst only when it is too short.
func (v *Validator) ValidatePricesInto(dst []bool, prices []float64) []bool {
	dst = ensure(dst, len(prices))
	lo, hi := v.MinPrice, v.maxPrice()
	i := 0
	switch v.lanes {
	case Lanes8:
		for ; i+8 <= len(prices); i += 8 {
			p := prices[i : i+8 : i+8]
			d := dst[i : i+8 : i+8]
			d[0] = lo <= p[0] && p[0] <= hi
			d[1] = lo <= p[1] && p[1] <= hi
			d[2] = lo <= p[2] && p[2] <= hi
			d[3] = lo <= p[3] && p[3] <= hi
			d[4] = lo <= p[4] && p[4] <= hi
			d[5] = lo <= p[5] && p[5] <= hi
			d[6] = lo <= p[6] && p[6] <= hi
			d[7] = lo <= p[7] && p[7] <= hi
		}
	case Lanes4:
		for ; i+4 <= len(prices); i += 4 {
			p := prices[i : i+4 : i+4]
			d := dst[i : i+4 : i+4]
			d[0] = lo <= p[0] && p[0] <= hi
			d[1] = lo <= p[1] && p[1] <= hi
			d[2] = lo <= p[2] && p[2] <= hi
			d[3] = lo <= p[3] && p[3] <= hi
		}
	}
	for ; i < len(prices); i++ {
		dst[i] = lo <= prices[i] && prices[i] <= hi
	}
	return dst
}

// ValidatePricesScalar is the reference element-by-element check.
func (v *Validator) ValidatePricesScalar(prices []float64) []bool {
	out := make([]bool, len(prices))
	lo, hi := v.MinPrice, v.maxPrice()
	for i, p := range prices {
		out[i] = p >= lo && p <= hi
	}
	return out
}

func (v *Validator) ValidateQuantities(quantities []float64) []bool {
	return v.ValidateQuantitiesInto(make([]bool, len(quantities)), quantities)
}

// ValidateQuantitiesInto writes q >= MinQuantity && q > 0 into dst.
func (v *Validator) ValidateQuantitiesInto(dst []bool, quantities []float64) []bool {
	dst = ensure(dst, len(quantities))
	lo := v.MinQuantity
	i := 0
	switch v.lanes {
	case Lanes8:
		for ; i+8 <= len(quantities); i += 8 {
			q := quantities[i : i+8 : i+8]
			d := dst[i : i+8 : i+8]
			d[0] = q[0] >= lo && q[0] > 0
			d[1] = q[1] >= lo && q[1] > 0
			d[2] = q[2] >= lo && q[2] > 0
			d[3] = q[3] >= lo && q[3] > 0
			d[4] = q[4] >= lo && q[4] > 0
			d[5] = q[5] >= lo && q[5] > 0
			d[6] = q[6] >= lo && q[6] > 0
			d[7] = q[7] >= lo && q[7] > 0
		}
	case Lanes4:
		for ; i+4 <= len(quantities); i += 4 {
			q := quantities[i : i+4 : i+4]
			d := dst[i : i+4 : i+4]
			d[0] = q[0] >= lo && q[0] > 0
			d[1] = q[1] >= lo && q[1] > 0
			d[2] = q[2] >= lo && q[2] > 0
			d[3] = q[3] >= lo && q[3] > 0
		}
	}
	for ; i < len(quantities); i++ {
		dst[i] = quantities[i] >= lo && quantities[i] > 0
	}
	return dst
}

func (v *Validator) ValidateQuantitiesScalar(quantities []float64) []bool {
	out := make([]bool, len(quantities))
	for i, q := range quantities {
		out[i] = q > 0 && q >= v.MinQuantity
	}
	return out
}

// Scratch holds reusable buffers for FilterLevels so repeated calls on the
// hot path do not allocate.
type Scratch struct {
	prices []float64
	qtys   []float64
	pmask  []bool
	qmask  []bool
}

// FilterLevels keeps the levels whose price and quantity both pass, in place,
// and returns the shortened slice.
func (v *Validator) FilterLevels(levels []models.OrderBookEntry, s *Scratch) []models.OrderBookEntry {
	if len(levels) == 0 {
		return levels
	}
	if s == nil {
		s = &Scratch{}
	}
	s.prices = s.prices[:0]
	s.qtys = s.qtys[:0]
	for _, l := range levels {
		s.prices = append(s.prices, l.Price)
		s.qtys = append(s.qtys, l.Quantity)
	}
	s.pmask = v.ValidatePricesInto(s.pmask, s.prices)
	s.qmask = v.ValidateQuantitiesInto(s.qmask, s.qtys)
	n := 0
	for i, l := range levels {
		if s.pmask[i] && s.qmask[i] {
			levels[n] = l
			n++
		}
	}
	return levels[:n]
}

// AllValid reports whether every entry of mask is true.
func AllValid(mask []bool) bool {
	for _, ok := range mask {
		if !ok {
			return false
		}
	}
	return true
}

func ensure(dst []bool, n int) []bool {
	if cap(dst) < n {
		return make([]bool, n)
	}
	return dst[:n]
}
