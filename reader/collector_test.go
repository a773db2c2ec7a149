package reader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"qingxi/internal/health"
	"qingxi/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// createMockWSServer upgrades every request and hands the connection to handler.
func createMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// events is an ordered, concurrency safe log shared by adapter and server.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type mockAdapter struct {
	ev        *events
	heartbeat []byte
	snapshots atomic.Int32
}

func (m *mockAdapter) ExchangeID() string { return "mock" }

func (m *mockAdapter) BuildSubscriptionMessages(subs []models.Subscription) ([][]byte, error) {
	return [][]byte{[]byte(`{"op":"subscribe"}`)}, nil
}

func (m *mockAdapter) ParseMessage(frame []byte, _ []models.Subscription) (*models.MarketDataMessage, error) {
	var f struct {
		Type  string  `json:"type"`
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, models.ParseError("mock", "bad frame: %v", err)
	}
	if f.Type != "trade" {
		return nil, nil
	}
	msg := models.NewTradeMessage(models.TradeUpdate{
		Symbol:    models.NewSymbol("BTC", "USDT"),
		Source:    "mock",
		Price:     f.Price,
		Quantity:  1,
		Timestamp: time.Now().UnixNano(),
	}, time.Time{})
	return &msg, nil
}

func (m *mockAdapter) IsHeartbeat(frame []byte) bool { return string(frame) == "pong" }

func (m *mockAdapter) GetHeartbeatRequest() []byte { return m.heartbeat }

func (m *mockAdapter) GetInitialSnapshot(ctx context.Context, sub models.Subscription, _ string) (*models.MarketDataMessage, error) {
	m.snapshots.Add(1)
	if m.ev != nil {
		m.ev.add("snapshot")
	}
	ob := models.NewOrderBook(sub.Symbol, "mock", time.Now().UnixNano())
	ob.Bids = []models.OrderBookEntry{{Price: 99, Quantity: 1}}
	ob.Asks = []models.OrderBookEntry{{Price: 101, Quantity: 1}}
	msg := models.NewOrderBookMessage(models.KindOrderBookSnapshot, ob, time.Now())
	return &msg, nil
}

// sink collects emitted messages.
type sink struct {
	mu   sync.Mutex
	msgs []models.MarketDataMessage
	err  error
}

func (s *sink) Emit(_ context.Context, msg models.MarketDataMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sink) count(kind models.MessageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig(url string) CollectorConfig {
	return CollectorConfig{
		WSURL: url,
		Subscriptions: []models.Subscription{
			{Symbol: models.NewSymbol("BTC", "USDT"), Channel: models.ChannelOrderBook, Depth: 20},
			{Symbol: models.NewSymbol("BTC", "USDT"), Channel: models.ChannelTrades},
		},
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		SnapshotRate:   100,
		StableAfter:    50 * time.Millisecond,
		Backoff:        BackoffConfig{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		Quality:        QualityConfig{MinHeartbeat: time.Second, MaxHeartbeat: time.Second},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestCollectorStreamsAndSnapshotsBeforeSubscribe(t *testing.T) {
	ev := &events{}
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		if _, msg, err := conn.ReadMessage(); err == nil {
			ev.add("subscribe:" + string(msg))
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","price":100}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","price":101}`))
		time.Sleep(2 * time.Second)
	})
	defer srv.Close()

	adapter := &mockAdapter{ev: ev}
	out := &sink{}
	hr := health.NewRegistry()
	c := NewCollector(testConfig(httpToWS(srv.URL)), adapter, out, hr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return out.count(models.KindTrade) == 2 }, "two trades")

	if got := out.count(models.KindOrderBookSnapshot); got != 1 {
		t.Fatalf("expected one initial snapshot, got %d", got)
	}
	if adapter.snapshots.Load() != 1 {
		t.Fatalf("snapshot should only be fetched for the orderbook subscription")
	}
	log := ev.list()
	if len(log) < 2 || log[0] != "snapshot" || log[1] != `subscribe:{"op":"subscribe"}` {
		t.Fatalf("expected snapshot before subscribe, got %v", log)
	}
	if c.Stats().ParseErrors != 1 {
		t.Fatalf("expected one parse error, got %d", c.Stats().ParseErrors)
	}
	if s, _ := hr.Get("mock"); !s.Connected || s.State != "streaming" {
		t.Fatalf("health should report streaming, got %+v", s)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	if c.State() != StateShutDown {
		t.Fatalf("expected shut down state, got %v", c.State())
	}
	if s, _ := hr.Get("mock"); s.Connected {
		t.Fatalf("health should report disconnected after shutdown")
	}
}

func TestCollectorFailsAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrade", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.MaxRetries = 3
	hr := health.NewRegistry()
	c := NewCollector(cfg, &mockAdapter{}, &sink{}, hr)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrMaxRetries) || !models.IsKind(err, models.ErrConnection) {
		t.Fatalf("expected connection error wrapping ErrMaxRetries, got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", c.State())
	}
	s, _ := hr.Get("mock")
	if s.Connected || s.State != "failed" || s.Reconnects != 3 {
		t.Fatalf("unexpected health %+v", s)
	}
}

func TestCollectorStopsOnInternalEmitError(t *testing.T) {
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","price":100}`))
		time.Sleep(time.Second)
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	out := &sink{err: models.ErrChannelClosed}
	c := NewCollector(cfg, &mockAdapter{}, out, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, models.ErrChannelClosed) {
			t.Fatalf("expected channel closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector kept running after internal error")
	}
}

func TestCollectorReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","price":100}`))
		if n == 1 {
			return
		}
		time.Sleep(time.Second)
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	out := &sink{}
	c := NewCollector(cfg, &mockAdapter{}, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return out.count(models.KindTrade) == 2 }, "trade from second session")
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
	waitFor(t, time.Second, func() bool { return c.Stats().Retries == 0 }, "retries reset after subscribe")
}

func TestCollectorShortSessionsCountTowardsMaxRetries(t *testing.T) {
	var conns atomic.Int32
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		conn.ReadMessage()
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	cfg.MaxRetries = 3
	cfg.StableAfter = time.Second
	c := NewCollector(cfg, &mockAdapter{}, &sink{}, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrMaxRetries) {
			t.Fatalf("expected ErrMaxRetries, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector kept reconnecting to a server that drops every session")
	}
	if n := conns.Load(); n != 4 {
		t.Fatalf("expected 4 sessions, got %d", n)
	}
}

func TestCollectorReadTimeoutTriggersReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		conn.ReadMessage()
		time.Sleep(time.Second)
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	cfg.ReadTimeout = 100 * time.Millisecond
	c := NewCollector(cfg, &mockAdapter{}, &sink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 3*time.Second, func() bool { return conns.Load() >= 2 }, "reconnect after silent connection")
}

func TestCollectorSendsAdapterHeartbeat(t *testing.T) {
	got := make(chan string, 4)
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- string(msg)
			conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		}
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	cfg.Quality = QualityConfig{MinHeartbeat: 20 * time.Millisecond, MaxHeartbeat: 50 * time.Millisecond}
	out := &sink{}
	c := NewCollector(cfg, &mockAdapter{heartbeat: []byte("ping")}, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case msg := <-got:
		if msg != "ping" {
			t.Fatalf("expected adapter heartbeat, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat sent")
	}
	waitFor(t, time.Second, func() bool { return out.count(models.KindHeartbeat) > 0 }, "heartbeat reply emitted")
}

func TestCollectorPingControlFrame(t *testing.T) {
	pinged := make(chan struct{}, 1)
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(data string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	cfg.Quality = QualityConfig{MinHeartbeat: 20 * time.Millisecond, MaxHeartbeat: 20 * time.Millisecond}
	c := NewCollector(cfg, &mockAdapter{}, &sink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping control frame sent")
	}
	waitFor(t, time.Second, func() bool { return c.Stats().Heartbeats > 0 }, "heartbeat counted")
}

func TestCollectorRunTwice(t *testing.T) {
	srv := createMockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(httpToWS(srv.URL))
	cfg.DisableSnapshots = true
	c := NewCollector(cfg, &mockAdapter{}, &sink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, time.Second, func() bool { return c.State() == StateStreaming }, "streaming")
	if err := c.Run(ctx); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestRegistryResolves(t *testing.T) {
	r := NewRegistry(&mockAdapter{})
	if _, err := r.Get("mock"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, models.ErrUnknownExchange) {
		t.Fatalf("expected ErrUnknownExchange, got %v", err)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "mock" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
