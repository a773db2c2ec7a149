// Package binance adapts Binance USDⓈ-M futures streams to the common market
// data model. Depth 5, 10 and 20 subscriptions use the partial book stream and
// are emitted as snapshots; any other depth uses the diff stream and is
// emitted as deltas.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	jsoniter "github.com/json-iterator/go"

	"qingxi/internal/symbols"
	"qingxi/logger"
	"qingxi/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ExchangeID     = "binance"
	DefaultWSURL   = "wss://fstream.binance.com/ws"
	DefaultRESTURL = "https://fapi.binance.com"
)

// snapshotLimits are the depth limits the REST endpoint accepts.
var snapshotLimits = []int{5, 10, 20, 50, 100, 500, 1000}

type Adapter struct {
	httpClient *http.Client
	restURL    string
	log        *logger.Entry
	requestID  atomic.Int64

	mu      sync.Mutex
	clients map[string]*futures.Client
}

// New builds an adapter. httpClient may be nil; restURL defaults to the
// public futures endpoint.
func New(httpClient *http.Client, restURL string) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	return &Adapter{
		httpClient: httpClient,
		restURL:    restURL,
		log:        logger.GetLogger().WithComponent("binance_adapter"),
		clients:    make(map[string]*futures.Client),
	}
}

func (a *Adapter) ExchangeID() string { return ExchangeID }

func streamName(sub models.Subscription) (string, error) {
	sym := strings.ToLower(sub.Symbol.Pair(""))
	switch sub.Channel {
	case models.ChannelOrderBook:
		if partialDepth(sub.Depth) {
			return fmt.Sprintf("%s@depth%d@100ms", sym, sub.Depth), nil
		}
		return sym + "@depth@100ms", nil
	case models.ChannelTrades:
		return sym + "@aggTrade", nil
	default:
		return "", fmt.Errorf("unsupported channel %q", sub.Channel)
	}
}

func partialDepth(depth int) bool {
	return depth == 5 || depth == 10 || depth == 20
}

func (a *Adapter) BuildSubscriptionMessages(subs []models.Subscription) ([][]byte, error) {
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		name, err := streamName(s)
		if err != nil {
			return nil, err
		}
		params = append(params, name)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no subscriptions")
	}
	frame, err := json.Marshal(subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: a.requestID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// envelope covers raw stream frames, combined stream frames and
// subscription acks.
type envelope struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
	Event  string              `json:"e"`
}

type depthEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	TradeTime int64      `json:"T"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	LastID    uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type aggTradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (a *Adapter) ParseMessage(frame []byte, subs []models.Subscription) (*models.MarketDataMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, models.ParseError(ExchangeID, "decode frame: %v", err)
	}
	payload := []byte(frame)
	event := env.Event
	if len(env.Data) > 0 {
		payload = env.Data
		var inner struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(payload, &inner); err != nil {
			return nil, models.ParseError(ExchangeID, "decode stream data: %v", err)
		}
		event = inner.Event
	}

	switch event {
	case "depthUpdate":
		return a.parseDepth(payload, subs)
	case "aggTrade":
		return a.parseTrade(payload, subs)
	default:
		// acks such as {"result":null,"id":1}
		return nil, nil
	}
}

func (a *Adapter) parseDepth(payload []byte, subs []models.Subscription) (*models.MarketDataMessage, error) {
	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, models.ParseError(ExchangeID, "decode depth: %v", err)
	}
	sym, err := symbols.Resolve(ExchangeID, ev.Symbol, subs)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "symbol: %v", err)
	}
	ob := models.NewOrderBook(sym, ExchangeID, models.MillisToNanos(ev.EventTime))
	if ob.Bids, err = models.ParseLevels(ev.Bids); err != nil {
		return nil, models.ParseError(ExchangeID, "bids: %v", err)
	}
	if ob.Asks, err = models.ParseLevels(ev.Asks); err != nil {
		return nil, models.ParseError(ExchangeID, "asks: %v", err)
	}
	seq := ev.LastID
	ob.SequenceID = &seq

	kind := models.KindOrderBookDelta
	for _, s := range subs {
		if s.Channel == models.ChannelOrderBook && s.Symbol == sym && partialDepth(s.Depth) {
			kind = models.KindOrderBookSnapshot
			break
		}
	}
	msg := models.NewOrderBookMessage(kind, ob, time.Time{})
	return &msg, nil
}

func (a *Adapter) parseTrade(payload []byte, subs []models.Subscription) (*models.MarketDataMessage, error) {
	var ev aggTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, models.ParseError(ExchangeID, "decode trade: %v", err)
	}
	sym, err := symbols.Resolve(ExchangeID, ev.Symbol, subs)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "symbol: %v", err)
	}
	e, err := models.ParseEntry(ev.Price, ev.Quantity)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "trade: %v", err)
	}
	side := models.SideBuy
	if ev.IsBuyerMaker {
		side = models.SideSell
	}
	msg := models.NewTradeMessage(models.TradeUpdate{
		Symbol:    sym,
		Source:    ExchangeID,
		Price:     e.Price,
		Quantity:  e.Quantity,
		Side:      side,
		Timestamp: models.MillisToNanos(ev.TradeTime),
		TradeID:   fmt.Sprint(ev.AggID),
	}, time.Time{})
	return &msg, nil
}

// IsHeartbeat is always false: Binance keeps the link alive with ping
// control frames, which the collector handles.
func (a *Adapter) IsHeartbeat([]byte) bool { return false }

func (a *Adapter) GetHeartbeatRequest() []byte { return nil }

func (a *Adapter) client(restURL string) *futures.Client {
	if restURL == "" {
		restURL = a.restURL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[restURL]; ok {
		return c
	}
	c := futures.NewClient("", "")
	c.HTTPClient = a.httpClient
	c.SetApiEndpoint(strings.TrimRight(restURL, "/"))
	a.clients[restURL] = c
	return c
}

func snapshotLimit(depth int) int {
	if depth <= 0 {
		return 100
	}
	for _, l := range snapshotLimits {
		if depth <= l {
			return l
		}
	}
	return snapshotLimits[len(snapshotLimits)-1]
}

// GetInitialSnapshot fetches /fapi/v1/depth through the futures client.
func (a *Adapter) GetInitialSnapshot(ctx context.Context, sub models.Subscription, restURL string) (*models.MarketDataMessage, error) {
	start := time.Now()
	res, err := a.client(restURL).NewDepthService().
		Symbol(sub.Symbol.Pair("")).
		Limit(snapshotLimit(sub.Depth)).
		Do(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "depth snapshot", err)
	}
	logger.LogPerformanceEntry(a.log, "binance_adapter", "api_request", time.Since(start), logger.Fields{
		"symbol": sub.Symbol.String(),
	})

	ts := models.MillisToNanos(res.Time)
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	ob := models.NewOrderBook(sub.Symbol, ExchangeID, ts)
	ob.Bids = make([]models.OrderBookEntry, 0, len(res.Bids))
	for _, b := range res.Bids {
		e, err := models.ParseEntry(b.Price, b.Quantity)
		if err != nil {
			return nil, models.ParseError(ExchangeID, "snapshot bid: %v", err)
		}
		ob.Bids = append(ob.Bids, e)
	}
	ob.Asks = make([]models.OrderBookEntry, 0, len(res.Asks))
	for _, s := range res.Asks {
		e, err := models.ParseEntry(s.Price, s.Quantity)
		if err != nil {
			return nil, models.ParseError(ExchangeID, "snapshot ask: %v", err)
		}
		ob.Asks = append(ob.Asks, e)
	}
	seq := uint64(res.LastUpdateID)
	ob.SequenceID = &seq

	msg := models.NewOrderBookMessage(models.KindOrderBookSnapshot, ob, time.Now())
	return &msg, nil
}
