package simd

import (
	"cmp"
	"slices"

	"qingxi/models"
)

// SortBids orders levels by price, highest first. Not stable.
func SortBids(levels []models.OrderBookEntry) {
	slices.SortFunc(levels, func(a, b models.OrderBookEntry) int {
		return cmp.Compare(b.Price, a.Price)
	})
}

// SortAsks orders levels by price, lowest first. Not stable.
func SortAsks(levels []models.OrderBookEntry) {
	slices.SortFunc(levels, func(a, b models.OrderBookEntry) int {
		return cmp.Compare(a.Price, b.Price)
	})
}

// MergePriceLevels folds adjacent levels with equal prices into one, summing
// quantities. Input must already be sorted. Works in place in one pass.
func MergePriceLevels(levels []models.OrderBookEntry) []models.OrderBookEntry {
	if len(levels) < 2 {
		return levels
	}
	w := 0
	for r := 1; r < len(levels); r++ {
		if levels[r].Price == levels[w].Price {
			levels[w].Quantity += levels[r].Quantity
			continue
		}
		w++
		levels[w] = levels[r]
	}
	return levels[:w+1]
}
