// Package okx adapts OKX v5 public streams. Frames may arrive deflate
// compressed; they are inflated before decoding.
package okx

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"qingxi/internal/symbols"
	"qingxi/logger"
	"qingxi/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ExchangeID     = "okx"
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	DefaultRESTURL = "https://www.okx.com"

	InstTypeSwap = "SWAP"
	InstTypeSpot = "SPOT"
)

var (
	heartbeatPing = []byte("ping")
	heartbeatPong = []byte("pong")
)

type Adapter struct {
	httpClient *http.Client
	restURL    string
	instType   string
	log        *logger.Entry
}

// New builds an adapter for SWAP or SPOT instruments. OKX rejects requests
// without a browser-like user agent from some networks, so the client
// transport sets one.
func New(httpClient *http.Client, restURL, instType string) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = userAgentTransport{agent: "curl/8.5.0", base: base}
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if instType == "" {
		instType = InstTypeSwap
	}
	return &Adapter{
		httpClient: &wrapped,
		restURL:    strings.TrimRight(restURL, "/"),
		instType:   strings.ToUpper(instType),
		log:        logger.GetLogger().WithComponent("okx_adapter"),
	}
}

func (a *Adapter) ExchangeID() string { return ExchangeID }

func (a *Adapter) instID(s models.Symbol) string {
	if a.instType == InstTypeSwap {
		return s.Pair("-") + "-SWAP"
	}
	return s.Pair("-")
}

func bookChannel(depth int) string {
	if depth > 0 && depth <= 5 {
		return "books5"
	}
	return "books"
}

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a *Adapter) BuildSubscriptionMessages(subs []models.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions")
	}
	args := make([]arg, 0, len(subs))
	for _, s := range subs {
		switch s.Channel {
		case models.ChannelOrderBook:
			args = append(args, arg{Channel: bookChannel(s.Depth), InstID: a.instID(s.Symbol)})
		case models.ChannelTrades:
			args = append(args, arg{Channel: "trades", InstID: a.instID(s.Symbol)})
		default:
			return nil, fmt.Errorf("unsupported channel %q", s.Channel)
		}
	}
	f, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{f}, nil
}

type pushFrame struct {
	Event  string              `json:"event"`
	Code   string              `json:"code"`
	Msg    string              `json:"msg"`
	Arg    arg                 `json:"arg"`
	Action string              `json:"action"`
	Data   jsoniter.RawMessage `json:"data"`
}

type bookRow struct {
	Asks     [][]string `json:"asks"`
	Bids     [][]string `json:"bids"`
	TS       string     `json:"ts"`
	Checksum *int32     `json:"checksum"`
	SeqID    *int64     `json:"seqId"`
}

type tradeRow struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

// decompress inflates deflate frames and passes text frames through.
func decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 || frame[0] == '{' || frame[0] == '[' || bytes.Equal(frame, heartbeatPong) {
		return frame, nil
	}
	r := flate.NewReader(bytes.NewReader(frame))
	defer r.Close()
	return io.ReadAll(r)
}

func (a *Adapter) ParseMessages(frame []byte, subs []models.Subscription) ([]models.MarketDataMessage, error) {
	frame, err := decompress(frame)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "inflate: %v", err)
	}
	var f pushFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, models.ParseError(ExchangeID, "decode frame: %v", err)
	}
	if f.Event == "error" {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "subscribe", fmt.Errorf("code %s: %s", f.Code, f.Msg))
	}
	if f.Event != "" || len(f.Data) == 0 {
		return nil, nil
	}
	sym, err := symbols.Resolve(ExchangeID, f.Arg.InstID, subs)
	if err != nil {
		return nil, models.ParseError(ExchangeID, "symbol: %v", err)
	}

	switch {
	case strings.HasPrefix(f.Arg.Channel, "books"):
		var rows []bookRow
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, models.ParseError(ExchangeID, "decode book: %v", err)
		}
		out := make([]models.MarketDataMessage, 0, len(rows))
		for _, r := range rows {
			ob, err := toOrderBook(r, sym)
			if err != nil {
				return nil, err
			}
			kind := models.KindOrderBookSnapshot
			if f.Action == "update" {
				kind = models.KindOrderBookDelta
			}
			out = append(out, models.NewOrderBookMessage(kind, ob, time.Time{}))
		}
		return out, nil
	case f.Arg.Channel == "trades":
		var rows []tradeRow
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, models.ParseError(ExchangeID, "decode trades: %v", err)
		}
		out := make([]models.MarketDataMessage, 0, len(rows))
		for _, r := range rows {
			e, err := models.ParseEntry(r.Px, r.Sz)
			if err != nil {
				return nil, models.ParseError(ExchangeID, "trade: %v", err)
			}
			ts, err := parseMillis(r.TS)
			if err != nil {
				return nil, err
			}
			side := models.SideBuy
			if r.Side == "sell" {
				side = models.SideSell
			}
			out = append(out, models.NewTradeMessage(models.TradeUpdate{
				Symbol:    sym,
				Source:    ExchangeID,
				Price:     e.Price,
				Quantity:  e.Quantity,
				Side:      side,
				Timestamp: ts,
				TradeID:   r.TradeID,
			}, time.Time{}))
		}
		return out, nil
	default:
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

func parseMillis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, models.ParseError(ExchangeID, "timestamp %q: %v", s, err)
	}
	return models.MillisToNanos(ms), nil
}

func toOrderBook(r bookRow, sym models.Symbol) (*models.OrderBook, error) {
	ts, err := parseMillis(r.TS)
	if err != nil {
		return nil, err
	}
	ob := models.NewOrderBook(sym, ExchangeID, ts)
	if ob.Bids, err = models.ParseLevels(r.Bids); err != nil {
		return nil, models.ParseError(ExchangeID, "bids: %v", err)
	}
	if ob.Asks, err = models.ParseLevels(r.Asks); err != nil {
		return nil, models.ParseError(ExchangeID, "asks: %v", err)
	}
	if r.SeqID != nil && *r.SeqID >= 0 {
		seq := uint64(*r.SeqID)
		ob.SequenceID = &seq
	}
	if r.Checksum != nil {
		cs := uint32(*r.Checksum)
		ob.Checksum = &cs
	}
	return ob, nil
}

func (a *Adapter) IsHeartbeat(frame []byte) bool { return bytes.Equal(frame, heartbeatPong) }

func (a *Adapter) GetHeartbeatRequest() []byte { return heartbeatPing }

// GetInitialSnapshot fetches /api/v5/market/books.
func (a *Adapter) GetInitialSnapshot(ctx context.Context, sub models.Subscription, restURL string) (*models.MarketDataMessage, error) {
	base := a.restURL
	if restURL != "" {
		base = strings.TrimRight(restURL, "/")
	}
	depth := sub.Depth
	if depth <= 0 {
		depth = 100
	}
	q := url.Values{}
	q.Set("instId", a.instID(sub.Symbol))
	q.Set("sz", strconv.Itoa(min(depth, 400)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v5/market/books?"+q.Encode(), nil)
	if err != nil {
		return nil, models.NewError(models.ErrInternal, ExchangeID, "build request", err)
	}
	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "books snapshot", err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(a.log, "okx_adapter", "api_request", time.Since(start), logger.Fields{
		"symbol": sub.Symbol.String(),
		"status": resp.StatusCode,
	})
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "books snapshot", fmt.Errorf("http status %d", resp.StatusCode))
	}

	var wrapper struct {
		Code string    `json:"code"`
		Msg  string    `json:"msg"`
		Data []bookRow `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, models.ParseError(ExchangeID, "decode snapshot: %v", err)
	}
	if wrapper.Code != "0" || len(wrapper.Data) == 0 {
		return nil, models.NewError(models.ErrCommunication, ExchangeID, "books snapshot", fmt.Errorf("code %s: %s", wrapper.Code, wrapper.Msg))
	}
	ob, err := toOrderBook(wrapper.Data[0], sub.Symbol)
	if err != nil {
		return nil, err
	}
	msg := models.NewOrderBookMessage(models.KindOrderBookSnapshot, ob, time.Now())
	return &msg, nil
}
