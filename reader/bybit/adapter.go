// Package bybit adapts Bybit v5 public linear streams.
package bybit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	jsoniter "github.com/json-iterator/go"

	"qingxi/internal/symbols"
	"qingxi/logger"
	"qingxi/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ExchangeID     = "bybit"
	DefaultWSURL   = "wss://stream.bybit.com/v5/public/linear"
	DefaultRESTURL = "https://api.bybit.com"

	// argsPerFrame bounds topics per subscribe request.
	argsPerFrame = 10
)

var (
	bookDepths    = []int{1, 50, 200, 500}
	heartbeatPing = []byte(`{"op":"ping"}`)
)

type Adapter struct {
	httpClient *http.Client
	restURL    string
	log        *logger.Entry

	mu      sync.Mutex
	clients map[string]*bybit.Client
}

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
		log:        logger.GetLogger().WithComponent("bybit_adapter"),
		clients:    make(map[string]*bybit.Client),
	}
}

func (a *Adapter) ExchangeID() string { return ExchangeID }

func bookDepth(depth int) int {
	if depth <= 0 {
		return 50
	}
	for _, d := range bookDepths {
		if depth <= d {
			return d
		}
	}
	return bookDepths[len(bookDepths)-1]
}

func topic(sub models.Subscription) (string, error) {
	sym := sub.Symbol.Pair("")
	switch sub.Channel {
	case models.ChannelOrderBook:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth(sub.Depth), sym), nil
	case models.ChannelTrades:
		return "publicTrade." + sym, nil
	default:
		return "", fmt.Errorf("unsupported channel %q", sub.Channel)
	}
}

func (a *Adapter) BuildSubscriptionMessages(subs []models.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions")
	}
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		t, err := topic(s)
		if err != nil {
			return nil, err
		}
		args = append(args, t)
	}
	var frames [][]byte
	for start := 0; start < len(args); start += argsPerFrame {
		end := min(start+argsPerFrame, len(args))
		f, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args[start:end]})
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update uint64     `json:"u"`
	Seq    uint64     `json:"seq"`
	TS     int64      `json:"ts"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

type frameHeader struct {
	Topic string              `json:"topic"`
	Type  string              `json:"type"`
	TS    int64               `json:"ts"`
	Data  jsoniter.RawMessage `json:"data"`
}

// ParseMessages decodes one frame. Trade frames may carry several trades.
func (a *Adapter) ParseMessages(frame []byte, subs []models.Subscription) ([]models.MarketDataMessage, error) {
	var h frameHeader
	if err := json.Unmarshal(frame, &h); err != nil {
		return nil, models.ParseError(ExchangeID, "decode frame: %v", err)
	}
	switch {
	case strings.HasPrefix(h.Topic, "orderbook."):
		msg, err := a.parseBook(h, subs)
		if err != nil {
			return nil, err
		}
		return []models.MarketDataMessage{msg}, nil
	case strings.HasPrefix(h.Topic, "publicTrade."):
		return a.parseTrades(h, subs)
	default:
		// op acks and unknown topics
		return nil, nil
	}
}

func (a *Adapter) ParseMessage(frame []byte, subs []models.Subscription) (*models.MarketDataMessage, error) {
	msgs, err := a.ParseMessages(frame, subs)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[len(msgs)-1], nil
}

func (a *Adapter) parseBook(h frameHeader, subs []models.Subscription) (models.MarketDataMessage, error) {
	var d bookData
	if err := json.Unmarshal(h.Data, &d); err != nil {
		return models.MarketDataMessage{}, models.ParseError(ExchangeID, "decode book: %v", err)
	}
	ob, err := toOrderBook(d, subs, h.TS)
	if err != nil {
		return models.MarketDataMessage{}, err
	}
	kind := models.KindOrderBookDelta
	if h.Type == "snapshot" {
		kind = models.KindOrderBookSnapshot
	}
	return models.NewOrderBookMessage(kind, ob, time.Time{}), nil
}

func toOrderBook(d bookData, subs []models.Subscription, tsMillis int64) (*models.OrderBook, error) {
	sym, err := symbols.Resolve(ExchangeID, d.Symbol, subs)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "symbol: %v", err)
	}
	ob := models.NewOrderBook(sym, ExchangeID, models.MillisToNanos(tsMillis))
	if ob.Bids, err = models.ParseLevels(d.Bids); err != nil {
		return nil, models.ParseError(ExchangeID, "bids: %v", err)
	}
	if ob.Asks, err = models.ParseLevels(d.Asks); err != nil {
		return nil, models.ParseError(ExchangeID, "asks: %v", err)
	}
	seq := d.Update
	ob.SequenceID = &seq
	return ob, nil
}

func (a *Adapter) parseTrades(h frameHeader, subs []models.Subscription) ([]models.MarketDataMessage, error) {
	var rows []tradeData
	if err := json.Unmarshal(h.Data, &rows); err != nil {
		return nil, models.ParseError(ExchangeID, "decode trades: %v", err)
	}
	out := make([]models.MarketDataMessage, 0, len(rows))
	for _, r := range rows {
		sym, err := symbols.Resolve(ExchangeID, r.Symbol, subs)
		if err != nil {
			return nil, models.ParseError(ExchangeID, "symbol: %v", err)
		}
		e, err := models.ParseEntry(r.Price, r.Size)
		if err != nil {
			return nil, models.ParseError(ExchangeID, "trade: %v", err)
		}
		side := models.SideBuy
		if strings.EqualFold(r.Side, "sell") {
			side = models.SideSell
		}
		out = append(out, models.NewTradeMessage(models.TradeUpdate{
			Symbol:    sym,
			Source:    ExchangeID,
			Price:     e.Price,
			Quantity:  e.Quantity,
			Side:      side,
			Timestamp: models.MillisToNanos(r.Time),
			TradeID:   r.ID,
		}, time.Time{}))
	}
	return out, nil
}

// IsHeartbeat matches the reply to {"op":"ping"}.
func (a *Adapter) IsHeartbeat(frame []byte) bool {
	op := jsoniter.Get(frame, "op").ToString()
	if op == "pong" {
		return true
	}
	return op == "ping" && jsoniter.Get(frame, "ret_msg").ToString() == "pong"
}

func (a *Adapter) GetHeartbeatRequest() []byte { return heartbeatPing }

func (a *Adapter) client(restURL string) *bybit.Client {
	if restURL == "" {
		restURL = a.restURL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[restURL]; ok {
		return c
	}
	c := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(restURL, "/")))
	c.HTTPClient = a.httpClient
	a.clients[restURL] = c
	return c
}

// GetInitialSnapshot fetches /v5/market/orderbook through the SDK client.
func (a *Adapter) GetInitialSnapshot(ctx context.Context, sub models.Subscription, restURL string) (*models.MarketDataMessage, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   sub.Symbol.Pair(""),
		"limit":    bookDepth(sub.Depth),
	}
	start := time.Now()
	resp, err := a.client(restURL).NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "orderbook snapshot", err)
	}
	logger.LogPerformanceEntry(a.log, "bybit_adapter", "api_request", time.Since(start), logger.Fields{
		"symbol": sub.Symbol.String(),
	})
	if resp == nil || resp.Result == nil {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "orderbook snapshot", fmt.Errorf("empty result"))
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "re-encode result: %v", err)
	}
	var d bookData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, models.ParseError(ExchangeID, "decode snapshot: %v", err)
	}
	if d.Symbol == "" {
		d.Symbol = sub.Symbol.Pair("")
	}
	ts := d.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	ob, err := toOrderBook(d, []models.Subscription{sub}, ts)
	if err != nil {
		return nil, err
	}
	msg := models.NewOrderBookMessage(models.KindOrderBookSnapshot, ob, time.Now())
	return &msg, nil
}
