package cleaner

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"qingxi/internal/mempool"
	"qingxi/models"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func clock() time.Time { return fixedNow }

func levels(pairs ...float64) []models.OrderBookEntry {
	out := make([]models.OrderBookEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.OrderBookEntry{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

// healthyBook returns a fresh, deep, tight book around 100.
func healthyBook(age time.Duration) *models.MarketDataSnapshot {
	ts := fixedNow.Add(-age).UnixNano()
	ob := &models.OrderBook{Symbol: models.Symbol{Base: "BTC", Quote: "USDT"}, Source: "binance", Timestamp: ts}
	for i := 0; i < 10; i++ {
		ob.Bids = append(ob.Bids, models.OrderBookEntry{Price: 99.9 - float64(i)*0.1, Quantity: 1})
		ob.Asks = append(ob.Asks, models.OrderBookEntry{Price: 100.1 + float64(i)*0.1, Quantity: 1})
	}
	return &models.MarketDataSnapshot{OrderBook: ob, Timestamp: ts, Source: "binance"}
}

func newProgressive(t *testing.T) *Progressive {
	t.Helper()
	cfg := DefaultProgressiveConfig()
	cfg.Now = clock
	p, err := NewProgressive(cfg)
	if err != nil {
		t.Fatalf("new progressive: %v", err)
	}
	return p
}

func assertClean(t *testing.T, ob *models.OrderBook) {
	t.Helper()
	if !ob.IsSorted() {
		t.Fatalf("book not strictly ordered: bids=%v asks=%v", ob.Bids, ob.Asks)
	}
	if ob.IsInverted() {
		t.Fatalf("book inverted after cleaning: bids=%v asks=%v", ob.Bids, ob.Asks)
	}
}

func TestAssessHealthyBook(t *testing.T) {
	a := Assess(healthyBook(0), fixedNow, 0.05, 5)
	if a.Score != 1.0 {
		t.Fatalf("healthy fresh book should score 1.0, got %v (%+v)", a.Score, a)
	}
}

func TestAssessPenalties(t *testing.T) {
	s := healthyBook(0)
	s.OrderBook.Asks = nil
	if a := Assess(s, fixedNow, 0.05, 5); math.Abs(a.Score-0.5*0.8) > 1e-9 {
		t.Fatalf("one empty side: got %v", a.Score)
	}

	s = healthyBook(0)
	s.OrderBook.Bids[0].Price = 200
	if a := Assess(s, fixedNow, 0.05, 5); !a.Inverted || math.Abs(a.Score-0.3) > 1e-9 {
		t.Fatalf("inverted: got %+v", a)
	}

	s = healthyBook(0)
	s.Trades = []models.TradeUpdate{{Price: 100, Quantity: 1, Timestamp: 2}, {Price: 0, Quantity: 1, Timestamp: 1}}
	if a := Assess(s, fixedNow, 0.05, 5); !a.BadTrades || !a.UnorderedTrade || math.Abs(a.Score-0.7*0.9) > 1e-9 {
		t.Fatalf("bad trades: got %+v", a)
	}

	for _, c := range []struct {
		age  time.Duration
		want float64
	}{{500 * time.Millisecond, 1.0}, {2 * time.Second, 0.9}, {7 * time.Second, 0.8}, {20 * time.Second, 0.7}, {40 * time.Second, 0.5}} {
		if a := Assess(healthyBook(c.age), fixedNow, 0.05, 5); a.Score != c.want {
			t.Fatalf("age %v: got %v want %v", c.age, a.Score, c.want)
		}
	}
}

func TestWideSpreadPenalty(t *testing.T) {
	s := healthyBook(0)
	for i := range s.OrderBook.Asks {
		s.OrderBook.Asks[i].Price += 20
	}
	if a := Assess(s, fixedNow, 0.05, 5); !a.WideSpread || a.Score != 0.7 {
		t.Fatalf("wide spread: got %+v", a)
	}
}

func TestStageSelection(t *testing.T) {
	th := DefaultThresholds()
	cases := map[float64]Stage{1.0: StageBasic, 0.8: StageBasic, 0.79: StageDeep, 0.6: StageDeep, 0.59: StageAggressive, 0.1: StageAggressive}
	for score, want := range cases {
		if got := th.Select(score); got != want {
			t.Errorf("score %v: got %s want %s", score, got, want)
		}
	}
}

func TestAggressiveClearsInvertedBook(t *testing.T) {
	p := newProgressive(t)
	s := &models.MarketDataSnapshot{
		OrderBook: &models.OrderBook{Bids: levels(101, 1), Asks: levels(100, 1), Timestamp: fixedNow.UnixNano()},
		Timestamp: fixedNow.UnixNano(),
	}
	p.CleanWithStage(s, StageAggressive)
	if len(s.OrderBook.Bids) != 0 || len(s.OrderBook.Asks) != 0 {
		t.Fatalf("expected both sides cleared, got bids=%v asks=%v", s.OrderBook.Bids, s.OrderBook.Asks)
	}
}

func TestInvertedBookRoutesToAggressive(t *testing.T) {
	p := newProgressive(t)
	s := &models.MarketDataSnapshot{
		OrderBook: &models.OrderBook{Bids: levels(101, 1), Asks: levels(100, 1)},
		Timestamp: fixedNow.UnixNano(),
	}
	out := p.Clean(s)
	if out.Stage != StageAggressive {
		t.Fatalf("expected aggressive stage, got %s (score %v)", out.Stage, out.Score)
	}
	if len(s.OrderBook.Bids) != 0 || len(s.OrderBook.Asks) != 0 {
		t.Fatalf("expected empty book")
	}
}

func TestStaleSnapshot(t *testing.T) {
	p := newProgressive(t)
	s := healthyBook(40 * time.Second)
	out := p.Clean(s)
	if out.Score > 0.5 {
		t.Fatalf("stale snapshot should score <= 0.5, got %v", out.Score)
	}
	if out.Stage != StageAggressive {
		t.Fatalf("stale snapshot should be cleaned aggressively, got %s", out.Stage)
	}

	cfg := DefaultUnifiedConfig()
	cfg.Now = clock
	u := NewUnified(cfg, nil)
	r := u.Clean(healthyBook(40 * time.Second))
	if r.Status != StatusCleaned {
		t.Fatalf("unified cleaner should accept stale snapshot, got %s (quality %v)", r.Status, r.Quality)
	}
}

func TestBasicStageRepairsAndOrders(t *testing.T) {
	p := newProgressive(t)
	s := &models.MarketDataSnapshot{
		OrderBook: &models.OrderBook{
			Bids: levels(99, 1, 101, 2, 100, 0, 100, 1, -5, 1, 99, 2, 98, 1),
			Asks: levels(103, 1, 100.5, 1, 102, math.Inf(1), 104, 2, 100.5, 3),
		},
		Trades: []models.TradeUpdate{
			{Price: 100, Quantity: 1, Timestamp: 3},
			{Price: 100, Quantity: 0, Timestamp: 2},
			{Price: 101, Quantity: 1, Timestamp: 1},
		},
	}
	p.CleanWithStage(s, StageBasic)
	assertClean(t, s.OrderBook)
	if s.OrderBook.Bids[0].Price != 100 || s.OrderBook.Bids[1].Price != 99 || s.OrderBook.Bids[1].Quantity != 3 {
		t.Fatalf("unexpected bids %v", s.OrderBook.Bids)
	}
	if s.OrderBook.Asks[0].Price != 103 {
		t.Fatalf("asks at or below the best bid should be removed, got %v", s.OrderBook.Asks)
	}
	if len(s.Trades) != 2 || s.Trades[0].Timestamp != 1 || s.Trades[1].Timestamp != 3 {
		t.Fatalf("unexpected trades %+v", s.Trades)
	}
}

func TestDeepStageFilters(t *testing.T) {
	p := newProgressive(t)
	s := healthyBook(0)
	s.OrderBook.Bids = append(s.OrderBook.Bids, models.OrderBookEntry{Price: 50, Quantity: 1})
	for i := 0; i < 100; i++ {
		s.OrderBook.Asks = append(s.OrderBook.Asks, models.OrderBookEntry{Price: 101.5 + float64(i)*0.01, Quantity: 1})
	}
	s.Trades = []models.TradeUpdate{{Price: 100, Quantity: 1, Timestamp: 1}, {Price: 150, Quantity: 1, Timestamp: 2}, {Price: 70, Quantity: 1, Timestamp: 3}}
	p.CleanWithStage(s, StageDeep)
	assertClean(t, s.OrderBook)
	for _, b := range s.OrderBook.Bids {
		if b.Price == 50 {
			t.Fatalf("outlier bid survived deep cleaning")
		}
	}
	if len(s.OrderBook.Asks) != 50 {
		t.Fatalf("asks should be capped at 50, got %d", len(s.OrderBook.Asks))
	}
	if len(s.Trades) != 1 || s.Trades[0].Price != 100 {
		t.Fatalf("trades outside the band should be removed, got %+v", s.Trades)
	}
}

func TestDeepStageTradesOnlyKeepsTradeRange(t *testing.T) {
	p := newProgressive(t)
	ts := fixedNow.UnixNano()
	s := &models.MarketDataSnapshot{
		Source:    "binance",
		Timestamp: ts,
		Trades: []models.TradeUpdate{
			{Price: 100, Quantity: 1, Timestamp: 1},
			{Price: 100, Quantity: 1, Timestamp: 2},
			{Price: 150, Quantity: 1, Timestamp: 3},
		},
	}
	p.CleanWithStage(s, StageDeep)
	if len(s.Trades) != 3 {
		t.Fatalf("trades within their own range must be kept, got %+v", s.Trades)
	}

	lo, hi, ok := tradeBand(nil, s.Trades, 0.2)
	if !ok || math.Abs(lo-80) > 1e-9 || math.Abs(hi-180) > 1e-9 {
		t.Fatalf("band = [%v, %v] ok=%v, want [80, 180]", lo, hi, ok)
	}
}

func TestAggressiveCapsAndFloors(t *testing.T) {
	cfg := DefaultProgressiveConfig()
	cfg.Now = clock
	cfg.MinQuantity = 0.5
	p, _ := NewProgressive(cfg)
	s := healthyBook(0)
	for i := 0; i < 30; i++ {
		s.OrderBook.Bids = append(s.OrderBook.Bids, models.OrderBookEntry{Price: 98 - float64(i)*0.01, Quantity: 1})
	}
	s.OrderBook.Asks[0].Quantity = 0.1
	for i := 0; i < 150; i++ {
		s.Trades = append(s.Trades, models.TradeUpdate{Price: 100, Quantity: 1, Timestamp: int64(i)})
	}
	p.CleanWithStage(s, StageAggressive)
	assertClean(t, s.OrderBook)
	if len(s.OrderBook.Bids) != 20 {
		t.Fatalf("bids should be capped at 20, got %d", len(s.OrderBook.Bids))
	}
	for _, a := range s.OrderBook.Asks {
		if a.Quantity < 0.5 {
			t.Fatalf("level below the quantity floor survived")
		}
	}
	if len(s.Trades) != 100 || s.Trades[0].Timestamp != 50 {
		t.Fatalf("expected latest 100 trades, got %d starting at %d", len(s.Trades), s.Trades[0].Timestamp)
	}
}

func TestCleanedBooksStaySortedAndUncrossed(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	p := newProgressive(t)
	cfg := DefaultUnifiedConfig()
	cfg.Now = clock
	pool := mempool.New(4)
	unified := NewUnified(cfg, pool)

	randomBook := func() *models.MarketDataSnapshot {
		ob := &models.OrderBook{}
		for i := 0; i < r.Intn(200); i++ {
			ob.Bids = append(ob.Bids, models.OrderBookEntry{Price: 90 + r.Float64()*20, Quantity: r.Float64()*2 - 0.2})
		}
		for i := 0; i < r.Intn(200); i++ {
			ob.Asks = append(ob.Asks, models.OrderBookEntry{Price: 90 + r.Float64()*20, Quantity: r.Float64()*2 - 0.2})
		}
		return &models.MarketDataSnapshot{OrderBook: ob, Timestamp: fixedNow.UnixNano()}
	}

	for i := 0; i < 300; i++ {
		s := randomBook()
		p.Clean(s)
		assertClean(t, s.OrderBook)

		for _, mode := range []Mode{ModeFast, ModeStandard, ModeUltra} {
			unified.SetMode(mode)
			s := randomBook()
			if res := unified.Clean(s); res.Status == StatusCleaned {
				assertClean(t, s.OrderBook)
			}
		}
	}
	if p.Stats().Processed != 300 || p.Stats().SuccessRate() != 1 {
		t.Fatalf("unexpected stats %+v", p.Stats())
	}
}

func TestThresholdsTightenOnDegradation(t *testing.T) {
	p := newProgressive(t)
	for i := 0; i < 90; i++ {
		p.Clean(healthyBook(0))
	}
	before := p.Thresholds()
	for i := 0; i < 10; i++ {
		p.Clean(healthyBook(40 * time.Second))
	}
	after := p.Thresholds()
	if !(after.Basic < before.Basic && after.Deep < before.Deep && after.Aggressive < before.Aggressive) {
		t.Fatalf("thresholds should be lowered: before %+v after %+v", before, after)
	}
	if math.Abs(after.Basic-before.Basic*0.95) > 1e-9 {
		t.Fatalf("expected 5%% reduction, got %v -> %v", before.Basic, after.Basic)
	}
	if p.Stats().AdaptiveAdjustments != 1 {
		t.Fatalf("expected one adjustment, got %d", p.Stats().AdaptiveAdjustments)
	}
}

func TestThresholdsRelaxOnImprovement(t *testing.T) {
	p := newProgressive(t)
	for i := 0; i < 90; i++ {
		p.Clean(healthyBook(40 * time.Second))
	}
	before := p.Thresholds()
	for i := 0; i < 10; i++ {
		p.Clean(healthyBook(0))
	}
	after := p.Thresholds()
	if math.Abs(after.Basic-before.Basic*1.02) > 1e-9 {
		t.Fatalf("expected 2%% increase, got %v -> %v", before.Basic, after.Basic)
	}
}

func TestThresholdClampsKeepOrdering(t *testing.T) {
	cfg := DefaultProgressiveConfig()
	cfg.Thresholds = Thresholds{Basic: 0.98, Deep: 0.97, Aggressive: 0.06}
	p, err := NewProgressive(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 200; i++ {
		p.thresholds = p.scaleThresholds(1.02)
	}
	up := p.Thresholds()
	if up.Basic > cfg.ThresholdCeiling+1e-12 || !(up.Basic > up.Deep && up.Deep > up.Aggressive) {
		t.Fatalf("ceiling clamp broke ordering: %+v", up)
	}
	for i := 0; i < 500; i++ {
		p.thresholds = p.scaleThresholds(0.95)
	}
	down := p.Thresholds()
	if down.Aggressive < cfg.ThresholdFloor-1e-12 || !(down.Basic > down.Deep && down.Deep > down.Aggressive) {
		t.Fatalf("floor clamp broke ordering: %+v", down)
	}
}

func TestInvalidThresholds(t *testing.T) {
	cfg := DefaultProgressiveConfig()
	cfg.Thresholds = Thresholds{Basic: 0.5, Deep: 0.6, Aggressive: 0.4}
	if _, err := NewProgressive(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestResetStats(t *testing.T) {
	p := newProgressive(t)
	p.Clean(healthyBook(0))
	p.ResetStats()
	if p.Stats().Processed != 0 {
		t.Fatalf("stats not reset")
	}
}
