package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"qingxi/internal/health"
	"qingxi/internal/metrics"
	"qingxi/logger"
	"qingxi/models"
)

// ErrMaxRetries is wrapped into the error Run returns once reconnects are
// exhausted.
var ErrMaxRetries = errors.New("max retries exceeded")

// State is the collector connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateShutDown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateShutDown:
		return "shut_down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Emitter receives every message a collector produces. It must be safe for
// concurrent use. Returning an Internal error stops the collector.
type Emitter interface {
	Emit(ctx context.Context, msg models.MarketDataMessage) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg models.MarketDataMessage) error

func (f EmitterFunc) Emit(ctx context.Context, msg models.MarketDataMessage) error {
	return f(ctx, msg)
}

// CollectorConfig configures one exchange connection.
type CollectorConfig struct {
	WSURL         string
	RESTURL       string
	Subscriptions []models.Subscription
	// LocalIP binds outgoing connections to a local address when set.
	LocalIP string

	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SnapshotTimeout time.Duration

	// MaxRetries bounds consecutive failed sessions. Zero retries forever.
	MaxRetries int
	// StableAfter is how long a session must stream before the retry
	// counter and backoff start over.
	StableAfter time.Duration

	DisableSnapshots bool
	SnapshotRate     float64
	SnapshotBurst    int

	Backoff BackoffConfig
	Quality QualityConfig
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
	if c.SnapshotRate <= 0 {
		c.SnapshotRate = 5
	}
	if c.SnapshotBurst <= 0 {
		c.SnapshotBurst = 1
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	return c
}

// CollectorStats is a point in time view of a collector.
type CollectorStats struct {
	State       State
	Retries     int64
	Messages    uint64
	ParseErrors uint64
	Heartbeats  uint64
	Snapshots   uint64
	FailureRate float64
}

// Collector owns one WebSocket connection to an exchange. It connects,
// fetches initial books, subscribes, streams and reconnects with backoff
// until its context is cancelled or retries run out.
type Collector struct {
	cfg     CollectorConfig
	adapter ExchangeAdapter
	out     Emitter
	health  *health.Registry
	log     *logger.Entry

	dialer  *websocket.Dialer
	backoff *Backoff
	quality *QualityMonitor
	limiter *rate.Limiter
	writeMu sync.Mutex

	running     atomic.Bool
	state       atomic.Int32
	retries     atomic.Int64
	messages    atomic.Uint64
	parseErrors atomic.Uint64
	heartbeats  atomic.Uint64
	snapshots   atomic.Uint64
}

// NewCollector wires an adapter to an emitter. health may be nil.
func NewCollector(cfg CollectorConfig, adapter ExchangeAdapter, out Emitter, hr *health.Registry) *Collector {
	cfg = cfg.withDefaults()
	if hr == nil {
		hr = health.NewRegistry()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.LocalIP != "" {
		if ip := net.ParseIP(cfg.LocalIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return &Collector{
		cfg:     cfg,
		adapter: adapter,
		out:     out,
		health:  hr,
		log:     logger.GetLogger().WithComponent("collector").WithExchange(adapter.ExchangeID()),
		dialer:  dialer,
		backoff: NewBackoff(cfg.Backoff),
		quality: NewQualityMonitor(cfg.Quality),
		limiter: rate.NewLimiter(rate.Limit(cfg.SnapshotRate), cfg.SnapshotBurst),
	}
}

func (c *Collector) Exchange() string { return c.adapter.ExchangeID() }

func (c *Collector) State() State { return State(c.state.Load()) }

func (c *Collector) Quality() *QualityMonitor { return c.quality }

func (c *Collector) Stats() CollectorStats {
	return CollectorStats{
		State:       c.State(),
		Retries:     c.retries.Load(),
		Messages:    c.messages.Load(),
		ParseErrors: c.parseErrors.Load(),
		Heartbeats:  c.heartbeats.Load(),
		Snapshots:   c.snapshots.Load(),
		FailureRate: c.quality.FailureRate(),
	}
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
	c.health.SetState(c.Exchange(), s.String())
}

// Run blocks until ctx is cancelled (nil), retries are exhausted (a
// Connection error wrapping ErrMaxRetries) or the emitter reports an
// Internal error.
func (c *Collector) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("collector %s already running", c.Exchange())
	}
	defer c.running.Store(false)

	ex := c.Exchange()
	log := c.log.WithFields(logger.Fields{"operation": "run"})
	log.WithFields(logger.Fields{
		"url":           c.cfg.WSURL,
		"subscriptions": len(c.cfg.Subscriptions),
	}).Info("starting collector")

	for {
		if ctx.Err() != nil {
			return c.shutdown()
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return c.shutdown()
		}
		if models.IsKind(err, models.ErrInternal) {
			c.fail(err)
			return err
		}

		retries := c.retries.Add(1)
		if c.cfg.MaxRetries > 0 && retries > int64(c.cfg.MaxRetries) {
			err = models.NewError(models.ErrConnection, ex, "run",
				fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, c.cfg.MaxRetries, err))
			c.fail(err)
			return err
		}

		c.setState(StateReconnecting)
		delay := c.backoff.Next(c.quality.BackoffFactor())
		metrics.IncReconnect(ex)
		c.health.RecordReconnect(ex, c.quality.FailureRate())
		log.WithError(err).WithFields(logger.Fields{
			"retry":        retries,
			"delay":        delay.String(),
			"failure_rate": c.quality.FailureRate(),
		}).Warn("connection lost, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return c.shutdown()
		case <-t.C:
		}
	}
}

func (c *Collector) shutdown() error {
	c.setState(StateShutDown)
	c.health.SetConnected(c.Exchange(), false)
	c.log.Info("collector stopped")
	return nil
}

func (c *Collector) fail(err error) {
	c.setState(StateFailed)
	c.health.SetConnected(c.Exchange(), false)
	metrics.SetConnectionUp(c.Exchange(), false)
	c.log.WithError(err).Error("collector failed")
}

// session runs one connection from dial to the first transport error.
func (c *Collector) session(ctx context.Context) error {
	ex := c.Exchange()
	c.setState(StateConnecting)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := c.dialer.DialContext(dctx, c.cfg.WSURL, nil)
	cancel()
	if err != nil {
		c.quality.Record(false)
		return models.NewError(models.ErrConnection, ex, "connect", err)
	}
	defer conn.Close()
	c.quality.Record(true)

	if err := c.fetchInitialSnapshots(ctx); err != nil {
		return err
	}

	c.setState(StateSubscribing)
	frames, err := c.adapter.BuildSubscriptionMessages(c.cfg.Subscriptions)
	if err != nil {
		return models.NewError(models.ErrCommunication, ex, "subscribe", err)
	}
	for _, f := range frames {
		if err := c.write(conn, websocket.TextMessage, f); err != nil {
			c.quality.Record(false)
			return models.NewError(models.ErrConnection, ex, "subscribe", err)
		}
	}
	c.quality.Record(true)

	c.setState(StateStreaming)
	c.health.SetConnected(ex, true)
	metrics.SetConnectionUp(ex, true)
	defer func() {
		c.health.SetConnected(ex, false)
		metrics.SetConnectionUp(ex, false)
	}()
	c.log.WithFields(logger.Fields{"subscriptions": len(frames)}).Info("streaming")

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sctx, conn)
	}()
	go func() {
		defer wg.Done()
		c.markStable(sctx)
	}()

	err = c.readLoop(sctx, conn)
	stop()
	wg.Wait()
	return err
}

// markStable resets the retry counter and backoff once the session has
// streamed for StableAfter.
func (c *Collector) markStable(ctx context.Context) {
	t := time.NewTimer(c.cfg.StableAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		c.retries.Store(0)
		c.backoff.Reset()
	}
}

func (c *Collector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	ex := c.Exchange()
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		c.quality.Record(true)
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.quality.Record(false)
			return models.NewError(models.ErrConnection, ex, "read", err)
		}
		now := time.Now()
		_ = conn.SetReadDeadline(now.Add(c.cfg.ReadTimeout))
		c.quality.Record(true)
		logger.IncrementFrameRead(ex, len(frame))

		if c.adapter.IsHeartbeat(frame) {
			if err := c.emit(ctx, models.NewHeartbeatMessage(ex, now)); err != nil {
				return err
			}
			continue
		}

		msgs, err := c.parse(frame)
		if err != nil {
			c.parseErrors.Add(1)
			metrics.IncParseError(ex)
			metrics.EmitDropMetric(nil, metrics.DropMetricParse, ex, "", "read")
			c.log.WithError(err).Debug("dropping unparseable frame")
			continue
		}
		for i := range msgs {
			msg := &msgs[i]
			if msg.Received.IsZero() {
				msg.Received = now
			}
			if msg.Source == "" {
				msg.Source = ex
			}
			if ts := exchangeTimestamp(msg); ts > 0 {
				c.health.RecordMessage(ex, now.Sub(time.Unix(0, ts)))
			}
			if err := c.emit(ctx, *msg); err != nil {
				return err
			}
		}
	}
}

func (c *Collector) parse(frame []byte) ([]models.MarketDataMessage, error) {
	if mp, ok := c.adapter.(MultiParser); ok {
		return mp.ParseMessages(frame, c.cfg.Subscriptions)
	}
	msg, err := c.adapter.ParseMessage(frame, c.cfg.Subscriptions)
	if err != nil || msg == nil {
		return nil, err
	}
	return []models.MarketDataMessage{*msg}, nil
}

// emit forwards msg and surfaces only Internal errors.
func (c *Collector) emit(ctx context.Context, msg models.MarketDataMessage) error {
	c.messages.Add(1)
	metrics.IncMessage(c.Exchange(), msg.Kind.String())
	if err := c.out.Emit(ctx, msg); err != nil {
		if models.IsKind(err, models.ErrInternal) {
			return err
		}
		c.log.WithError(err).WithFields(logger.Fields{"kind": msg.Kind.String()}).Warn("emit failed")
	}
	return nil
}

// heartbeatLoop sends the adapter heartbeat, or a ping frame, on a timer
// re-armed from the quality monitor. A failed write closes the connection so
// the read loop returns.
func (c *Collector) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	req := c.adapter.GetHeartbeatRequest()
	timer := time.NewTimer(c.quality.HeartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var err error
		if req != nil {
			err = c.write(conn, websocket.TextMessage, req)
		} else {
			err = c.writeControl(conn, websocket.PingMessage)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.quality.Record(false)
			c.log.WithError(err).Warn("heartbeat failed, closing connection")
			conn.Close()
			return
		}
		c.heartbeats.Add(1)
		timer.Reset(c.quality.HeartbeatInterval())
	}
}

// fetchInitialSnapshots fetches a REST book for every orderbook subscription
// concurrently under the rate limiter. Failures are logged and skipped; only
// an Internal emit error is returned.
func (c *Collector) fetchInitialSnapshots(ctx context.Context) error {
	if c.cfg.DisableSnapshots {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range c.cfg.Subscriptions {
		if sub.Channel != models.ChannelOrderBook {
			continue
		}
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return nil
			}
			sctx, cancel := context.WithTimeout(gctx, c.cfg.SnapshotTimeout)
			msg, err := c.adapter.GetInitialSnapshot(sctx, sub, c.cfg.RESTURL)
			cancel()
			log := c.log.WithSymbol(sub.Symbol.String()).WithFields(logger.Fields{"operation": "initial_snapshot"})
			if err != nil {
				if models.IsKind(err, models.ErrUnsupported) {
					log.Debug("adapter has no REST snapshot")
				} else {
					log.WithError(err).Warn("initial snapshot failed")
				}
				return nil
			}
			if msg == nil {
				return nil
			}
			if msg.Received.IsZero() {
				msg.Received = time.Now()
			}
			c.snapshots.Add(1)
			if msg.OrderBook != nil {
				logger.IncrementSnapshotRead(len(msg.OrderBook.Bids) + len(msg.OrderBook.Asks))
			}
			return c.emit(gctx, *msg)
		})
	}
	return g.Wait()
}

func (c *Collector) write(conn *websocket.Conn, kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

func (c *Collector) writeControl(conn *websocket.Conn, kind int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(kind, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func exchangeTimestamp(msg *models.MarketDataMessage) int64 {
	switch {
	case msg.OrderBook != nil:
		return msg.OrderBook.Timestamp
	case msg.Trade != nil:
		return msg.Trade.Timestamp
	default:
		return 0
	}
}
