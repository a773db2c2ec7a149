package cleaner

import (
	"time"

	"qingxi/models"
)

// Quality penalties. The score starts at 1.0 and each detected problem
// multiplies it by the matching factor.
const (
	penaltyOneSideEmpty   = 0.5
	penaltyBothSidesEmpty = 0.3
	penaltyInversion      = 0.3
	penaltyWideSpread     = 0.7
	penaltyShallowBook    = 0.8
	penaltyBadTrades      = 0.7
	penaltyUnorderedTrade = 0.9
)

// Assessment breaks a quality score into the problems that produced it.
type Assessment struct {
	Score          float64
	Empty          bool
	Inverted       bool
	WideSpread     bool
	Shallow        bool
	BadTrades      bool
	UnorderedTrade bool
	Freshness      float64
}

// Assess scores a raw snapshot in [0,1]. The book does not need to be sorted.
func Assess(s *models.MarketDataSnapshot, now time.Time, maxSpreadRatio float64, minDepth int) Assessment {
	a := Assessment{Score: 1.0}

	if ob := s.OrderBook; ob != nil {
		bid, ask, hasBid, hasAsk := rawBest(ob)
		switch {
		case !hasBid && !hasAsk:
			a.Empty = true
			a.Score *= penaltyBothSidesEmpty
		case !hasBid || !hasAsk:
			a.Empty = true
			a.Score *= penaltyOneSideEmpty
		}
		if hasBid && hasAsk {
			if bid >= ask {
				a.Inverted = true
				a.Score *= penaltyInversion
			} else if mid := (bid + ask) / 2; maxSpreadRatio > 0 && (ask-bid)/mid > maxSpreadRatio {
				a.WideSpread = true
				a.Score *= penaltyWideSpread
			}
		}
		if len(ob.Bids) < minDepth || len(ob.Asks) < minDepth {
			a.Shallow = true
			a.Score *= penaltyShallowBook
		}
	}

	var prevTS int64
	for i, t := range s.Trades {
		if !validTrade(t) {
			a.BadTrades = true
		}
		if i > 0 && t.Timestamp < prevTS {
			a.UnorderedTrade = true
		}
		prevTS = t.Timestamp
	}
	if a.BadTrades {
		a.Score *= penaltyBadTrades
	}
	if a.UnorderedTrade {
		a.Score *= penaltyUnorderedTrade
	}

	a.Freshness = freshnessFactor(s.Age(now))
	a.Score *= a.Freshness
	return a
}
