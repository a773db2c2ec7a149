package book

import (
	"sync"
	"testing"
	"time"

	"qingxi/models"
)

var btc = models.NewSymbol("BTC", "USDT")

func seq(n uint64) *uint64 { return &n }

func snapshot(s uint64) models.MarketDataMessage {
	ob := models.NewOrderBook(btc, "binance", 1)
	ob.Bids = []models.OrderBookEntry{{Price: 99, Quantity: 1}, {Price: 100, Quantity: 2}, {Price: 98, Quantity: 3}}
	ob.Asks = []models.OrderBookEntry{{Price: 102, Quantity: 1}, {Price: 101, Quantity: 2}}
	ob.SequenceID = seq(s)
	return models.NewOrderBookMessage(models.KindOrderBookSnapshot, ob, time.Time{})
}

func delta(s uint64, bids, asks []models.OrderBookEntry) models.MarketDataMessage {
	ob := models.NewOrderBook(btc, "binance", 2)
	ob.Bids, ob.Asks = bids, asks
	ob.SequenceID = seq(s)
	return models.MarketDataMessage{Kind: models.KindOrderBookDelta, Source: "binance", OrderBook: ob}
}

func TestSnapshotIsSorted(t *testing.T) {
	m := NewManager(0)
	ob, ok := m.Apply(snapshot(10))
	if !ok {
		t.Fatalf("snapshot not applied")
	}
	if ob.Bids[0].Price != 100 || ob.Bids[2].Price != 98 || ob.Asks[0].Price != 101 {
		t.Fatalf("unexpected ordering %+v", ob)
	}
	if !ob.IsSorted() {
		t.Fatalf("book should be sorted")
	}
}

func TestDeltaUpdatesAndRemovesLevels(t *testing.T) {
	m := NewManager(0)
	m.Apply(snapshot(10))
	ob, ok := m.Apply(delta(11,
		[]models.OrderBookEntry{{Price: 100, Quantity: 0}, {Price: 99.5, Quantity: 4}},
		[]models.OrderBookEntry{{Price: 101, Quantity: 5}}))
	if !ok {
		t.Fatalf("delta not applied")
	}
	if len(ob.Bids) != 3 || ob.Bids[0].Price != 99.5 || ob.Bids[0].Quantity != 4 {
		t.Fatalf("unexpected bids %+v", ob.Bids)
	}
	if ob.Asks[0].Quantity != 5 || *ob.SequenceID != 11 || ob.Timestamp != 2 {
		t.Fatalf("unexpected asks/seq %+v", ob)
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	m := NewManager(0)
	m.Apply(snapshot(10))
	if _, ok := m.Apply(delta(10, []models.OrderBookEntry{{Price: 100, Quantity: 0}}, nil)); ok {
		t.Fatalf("stale delta applied")
	}
	if _, ok := m.Apply(delta(7, nil, nil)); ok {
		t.Fatalf("older delta applied")
	}
	ob, _ := m.Get("binance", btc)
	if ob.Bids[0].Price != 100 {
		t.Fatalf("stale delta mutated the book")
	}
	if stale, _ := m.Stats(); stale != 2 {
		t.Fatalf("stale = %d", stale)
	}
}

func TestSnapshotResetsSequence(t *testing.T) {
	m := NewManager(0)
	m.Apply(snapshot(50))
	m.Apply(snapshot(5))
	if _, ok := m.Apply(delta(6, nil, []models.OrderBookEntry{{Price: 103, Quantity: 1}})); !ok {
		t.Fatalf("delta after a fresh snapshot should apply")
	}
}

func TestDeltaSeedsMissingBook(t *testing.T) {
	m := NewManager(0)
	ob, ok := m.Apply(delta(1, []models.OrderBookEntry{{Price: 10, Quantity: 1}}, nil))
	if !ok || len(ob.Bids) != 1 || len(ob.Asks) != 0 {
		t.Fatalf("unexpected seeded book %+v %v", ob, ok)
	}
	if _, seeded := m.Stats(); seeded != 1 {
		t.Fatalf("seeded = %d", seeded)
	}
}

func TestDepthLimitAndReset(t *testing.T) {
	m := NewManager(2)
	ob, _ := m.Apply(snapshot(1))
	if len(ob.Bids) != 2 || len(ob.Asks) != 2 || ob.Bids[1].Price != 99 {
		t.Fatalf("depth limit not applied %+v", ob)
	}
	if _, ok := m.Apply(models.NewTradeMessage(models.TradeUpdate{Symbol: btc, Source: "binance"}, time.Time{})); ok {
		t.Fatalf("trade should not touch the book")
	}
	m.Reset("binance")
	if m.Len() != 0 {
		t.Fatalf("reset left %d books", m.Len())
	}
}

func TestConcurrentApply(t *testing.T) {
	m := NewManager(0)
	m.Apply(snapshot(0))
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Apply(delta(uint64(i), []models.OrderBookEntry{{Price: float64(i), Quantity: 1}}, nil))
		}()
	}
	wg.Wait()
	b, a := m.books[key("binance", btc)].Depth()
	if b < 3 || a != 2 {
		t.Fatalf("unexpected depth %d/%d", b, a)
	}
}
