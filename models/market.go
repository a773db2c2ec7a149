package models

import "time"

type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeUpdate is a single executed trade. It is never mutated after construction.
type TradeUpdate struct {
	Symbol    Symbol    `json:"symbol"`
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TradeSide `json:"side"`
	Timestamp int64     `json:"timestamp"` // unix nanoseconds
	TradeID   string    `json:"trade_id,omitempty"`
}

// MaxSnapshotTrades bounds the trade list carried by a snapshot.
const MaxSnapshotTrades = 1000

// MarketDataSnapshot is the unit of work flowing through the cleaning pipeline.
type MarketDataSnapshot struct {
	OrderBook    *OrderBook    `json:"orderbook,omitempty"`
	Trades       []TradeUpdate `json:"trades"`
	Timestamp    int64         `json:"timestamp"`
	Source       string        `json:"source"`
	QualityScore float64       `json:"quality_score"`
}

// AddTrade appends a trade, evicting the oldest once MaxSnapshotTrades is reached.
func (s *MarketDataSnapshot) AddTrade(t TradeUpdate) {
	if len(s.Trades) >= MaxSnapshotTrades {
		copy(s.Trades, s.Trades[1:])
		s.Trades[len(s.Trades)-1] = t
		return
	}
	s.Trades = append(s.Trades, t)
}

// Age returns how old the snapshot is relative to now.
func (s *MarketDataSnapshot) Age(now time.Time) time.Duration {
	if s.Timestamp <= 0 {
		return 0
	}
	return now.Sub(time.Unix(0, s.Timestamp))
}

type MessageKind int

const (
	KindHeartbeat MessageKind = iota
	KindOrderBookSnapshot
	KindOrderBookDelta
	KindTrade
)

func (k MessageKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindOrderBookSnapshot:
		return "orderbook_snapshot"
	case KindOrderBookDelta:
		return "orderbook_delta"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Heartbeat carries the exchange id and the time a keep-alive was observed.
type Heartbeat struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// MarketDataMessage is what adapters produce from a wire frame. Exactly one of
// OrderBook, Trade or Heartbeat is set, according to Kind.
type MarketDataMessage struct {
	Kind      MessageKind  `json:"kind"`
	Source    string       `json:"source"`
	OrderBook *OrderBook   `json:"orderbook,omitempty"`
	Trade     *TradeUpdate `json:"trade,omitempty"`
	Heartbeat *Heartbeat   `json:"heartbeat,omitempty"`
	Received  time.Time    `json:"received"`
}

func NewHeartbeatMessage(source string, now time.Time) MarketDataMessage {
	return MarketDataMessage{
		Kind:      KindHeartbeat,
		Source:    source,
		Heartbeat: &Heartbeat{Source: source, Timestamp: now.UnixNano()},
		Received:  now,
	}
}

func NewOrderBookMessage(kind MessageKind, ob *OrderBook, now time.Time) MarketDataMessage {
	return MarketDataMessage{Kind: kind, Source: ob.Source, OrderBook: ob, Received: now}
}

func NewTradeMessage(t TradeUpdate, now time.Time) MarketDataMessage {
	return MarketDataMessage{Kind: KindTrade, Source: t.Source, Trade: &t, Received: now}
}

// Key returns "source:BASE/QUOTE" for messages that carry a symbol.
func (m MarketDataMessage) Key() string {
	switch {
	case m.OrderBook != nil:
		return m.Source + ":" + m.OrderBook.Symbol.String()
	case m.Trade != nil:
		return m.Source + ":" + m.Trade.Symbol.String()
	default:
		return m.Source
	}
}

type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
)

// Subscription names one stream to subscribe to on an exchange.
type Subscription struct {
	Symbol  Symbol  `json:"symbol" yaml:"symbol"`
	Channel Channel `json:"channel" yaml:"channel"`
	Depth   int     `json:"depth" yaml:"depth"`
}
