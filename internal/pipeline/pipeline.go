// Package pipeline wires collectors, local books, the batch processor and the
// cleaner into one running unit whose output is an unbounded channel of
// cleaned snapshots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"qingxi/cleaner"
	"qingxi/config"
	"qingxi/internal/book"
	"qingxi/internal/channel"
	"qingxi/internal/health"
	"qingxi/internal/mempool"
	"qingxi/internal/metrics"
	"qingxi/internal/threadpool"
	"qingxi/logger"
	"qingxi/models"
	"qingxi/processor"
	"qingxi/reader"
)

// ErrNoCollectors is returned by Run when every collector stopped on its own.
var ErrNoCollectors = errors.New("all collectors stopped")

type Options struct {
	// Registry replaces the adapters built from the configuration.
	Registry   *reader.Registry
	HTTPClient *http.Client
}

type Pipeline struct {
	cfg *config.Config
	log *logger.Entry

	registry    *reader.Registry
	health      *health.Registry
	books       *book.Manager
	pool        *threadpool.Pool
	mem         *mempool.Pool
	progressive *cleaner.Progressive
	unified     *cleaner.Unified
	batch       *processor.BatchProcessor[models.MarketDataSnapshot]
	out         *channel.Unbounded[models.MarketDataSnapshot]
	collectors  []*reader.Collector

	tmu     sync.Mutex
	pending map[string][]models.TradeUpdate

	lastExhausted atomic.Uint64
	running       atomic.Bool
}

func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Connection.HTTPTimeout}
	}
	registry := opts.Registry
	if registry == nil {
		var err error
		if registry, err = NewRegistry(cfg, httpClient); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("pipeline"),
		registry: registry,
		health:   health.NewRegistry(),
		books:    book.NewManager(cfg.Book.Depth),
		out:      channel.NewUnbounded[models.MarketDataSnapshot]("cleaned_snapshots"),
		pending:  make(map[string][]models.TradeUpdate),
	}

	if err := p.buildCleaner(); err != nil {
		return nil, err
	}

	var exec processor.Executor
	if cfg.ThreadPool.Enabled {
		p.pool = threadpool.New(threadpool.Config{
			CoreWorkers:     cfg.ThreadPool.CoreWorkers,
			MaxWorkers:      cfg.ThreadPool.MaxWorkers,
			IdleSleep:       cfg.ThreadPool.IdleSleep,
			MonitorInterval: cfg.ThreadPool.MonitorInterval,
			ScaleCPUCeiling: cfg.ThreadPool.ScaleCPUCeiling,
			PinCPU:          cfg.ThreadPool.PinCPU,
		})
		exec = p.pool
	}

	p.batch = processor.NewBatchProcessor("pipeline", processor.BatchConfig{
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		MaxWaitTime:    cfg.Batch.MaxWaitTime,
		Concurrency:    cfg.Batch.Concurrency,
		MaxQueueLen:    cfg.Batch.MaxQueueLen,
		ReportInterval: cfg.Batch.ReportInterval,
	}, p.process, exec).WithDescriber(describe)

	for _, src := range cfg.EnabledSources() {
		adapter, err := registry.Get(src.Exchange)
		if err != nil {
			p.closeResources()
			return nil, err
		}
		wsURL := src.WSURL
		if wsURL == "" {
			wsURL = defaultWSURL(src.Exchange)
		}
		p.collectors = append(p.collectors, reader.NewCollector(reader.CollectorConfig{
			WSURL:            wsURL,
			RESTURL:          src.RESTURL,
			Subscriptions:    src.AllSubscriptions(),
			LocalIP:          src.LocalIP,
			ConnectTimeout:   cfg.Connection.ConnectTimeout,
			ReadTimeout:      cfg.Connection.ReadTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			SnapshotTimeout:  cfg.Connection.SnapshotTimeout,
			MaxRetries:       cfg.Reconnect.MaxRetries,
			StableAfter:      cfg.Reconnect.StableAfter,
			DisableSnapshots: cfg.Connection.DisableSnapshots,
			SnapshotRate:     cfg.Connection.SnapshotRate,
			SnapshotBurst:    cfg.Connection.SnapshotBurst,
			Backoff: reader.BackoffConfig{
				Base:       cfg.Reconnect.Base,
				Max:        cfg.Reconnect.Max,
				Multiplier: cfg.Reconnect.Multiplier,
				Jitter:     cfg.Reconnect.Jitter,
			},
			Quality: reader.QualityConfig{
				Alpha:        cfg.Reconnect.QualityAlpha,
				Weight:       cfg.Reconnect.QualityWeight,
				Degraded:     cfg.Reconnect.QualityDegraded,
				MinHeartbeat: cfg.Reconnect.MinHeartbeat,
				MaxHeartbeat: cfg.Reconnect.MaxHeartbeat,
			},
		}, adapter, p, p.health))
	}
	return p, nil
}

func (p *Pipeline) buildCleaner() error {
	c := p.cfg.Cleaner
	switch c.Kind {
	case "unified":
		mode, err := cleaner.ParseMode(c.Mode)
		if err != nil {
			return err
		}
		if mode == cleaner.ModeUltra {
			p.mem = mempool.New(p.cfg.MemoryPool.Capacity)
		}
		p.unified = cleaner.NewUnified(cleaner.UnifiedConfig{
			Mode:                mode,
			Disabled:            c.Disabled,
			QualityThreshold:    c.QualityThreshold,
			MinDepth:            c.MinDepth,
			PricePrecision:      c.PricePrecision,
			OutlierTolerance:    c.MidPriceTolerance,
			BucketSortThreshold: c.BucketSortThreshold,
			SIMDThreshold:       c.SIMDThreshold,
			MinQuantity:         c.MinQuantity,
		}, p.mem)
		return nil
	default:
		prog, err := cleaner.NewProgressive(cleaner.ProgressiveConfig{
			Thresholds: cleaner.Thresholds{
				Basic:      c.Thresholds.Basic,
				Deep:       c.Thresholds.Deep,
				Aggressive: c.Thresholds.Aggressive,
			},
			MaxSpreadRatio:    c.MaxSpreadRatio,
			MinDepth:          c.MinDepth,
			MidPriceTolerance: c.MidPriceTolerance,
			MinQuantity:       c.MinQuantity,
			WindowSize:        c.WindowSize,
			TuneInterval:      c.TuneInterval,
		})
		if err != nil {
			return fmt.Errorf("progressive cleaner: %w", err)
		}
		p.progressive = prog
		return nil
	}
}

func describe(s models.MarketDataSnapshot) logger.Fields {
	f := logger.Fields{logger.FieldExchange: s.Source}
	if s.OrderBook != nil {
		f[logger.FieldSymbol] = s.OrderBook.Symbol.String()
	} else if len(s.Trades) > 0 {
		f[logger.FieldSymbol] = s.Trades[0].Symbol.String()
	}
	return f
}

func tradeKey(t models.TradeUpdate) string {
	return t.Source + ":" + t.Symbol.String()
}

// Emit receives collector output. Trades for a symbol with a local book are
// held and attached to the next book update; other trades become trades-only
// snapshots.
func (p *Pipeline) Emit(ctx context.Context, msg models.MarketDataMessage) error {
	switch msg.Kind {
	case models.KindTrade:
		if msg.Trade == nil {
			return nil
		}
		t := *msg.Trade
		if p.books.Has(t.Source, t.Symbol) {
			p.holdTrade(t)
			return nil
		}
		ts := t.Timestamp
		if ts == 0 {
			ts = msg.Received.UnixNano()
		}
		return p.enqueue(models.MarketDataSnapshot{
			Trades:    []models.TradeUpdate{t},
			Timestamp: ts,
			Source:    t.Source,
		}, 0)

	case models.KindOrderBookSnapshot, models.KindOrderBookDelta:
		ob, ok := p.books.Apply(msg)
		if !ok {
			return nil
		}
		snap := models.MarketDataSnapshot{OrderBook: ob, Timestamp: ob.Timestamp, Source: ob.Source}
		if snap.Timestamp == 0 {
			snap.Timestamp = msg.Received.UnixNano()
		}
		for _, t := range p.takeTrades(ob.Source + ":" + ob.Symbol.String()) {
			snap.AddTrade(t)
		}
		priority := 0
		if msg.Kind == models.KindOrderBookSnapshot {
			priority = 1
		}
		return p.enqueue(snap, priority)

	default:
		return nil
	}
}

func (p *Pipeline) holdTrade(t models.TradeUpdate) {
	k := tradeKey(t)
	p.tmu.Lock()
	defer p.tmu.Unlock()
	held := p.pending[k]
	if len(held) >= models.MaxSnapshotTrades {
		held = held[1:]
	}
	p.pending[k] = append(held, t)
}

func (p *Pipeline) takeTrades(k string) []models.TradeUpdate {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	held := p.pending[k]
	delete(p.pending, k)
	return held
}

func (p *Pipeline) enqueue(snap models.MarketDataSnapshot, priority int) error {
	err := p.batch.Enqueue(snap, priority)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, processor.ErrQueueFull):
		sym, _ := describe(snap)[logger.FieldSymbol].(string)
		metrics.EmitDropMetric(nil, metrics.DropMetricBatchQueue, snap.Source, sym, "batch")
		return nil
	default:
		return models.NewError(models.ErrInternal, snap.Source, "enqueue", err)
	}
}

// process cleans one batch and forwards every accepted snapshot.
func (p *Pipeline) process(_ context.Context, batch processor.Batch[models.MarketDataSnapshot]) error {
	for i := range batch.Items {
		snap := batch.Items[i].Payload
		if !p.clean(&snap) {
			continue
		}
		if err := p.out.Send(snap); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) clean(s *models.MarketDataSnapshot) bool {
	if p.unified == nil {
		o := p.progressive.Clean(s)
		metrics.ObserveClean("progressive", o.Stage.String(), o.Latency)
		logger.IncrementCleaned(1)
		if o.Critical {
			p.log.WithStage(o.Stage.String()).WithFields(describe(*s)).WithFields(logger.Fields{"score": o.Score}).Debug("critical quality snapshot")
		}
		return true
	}

	r := p.unified.Clean(s)
	p.countExhaustion()
	if r.Status == cleaner.StatusRejected {
		metrics.ObserveClean("unified", "", r.Latency)
		sym, _ := describe(*s)[logger.FieldSymbol].(string)
		metrics.EmitDropMetric(nil, metrics.DropMetricRejected, s.Source, sym, "unified")
		logger.IncrementRejected(1)
		return false
	}
	stage := r.Mode.String()
	if r.Status == cleaner.StatusPassThrough {
		stage = r.Status.String()
	}
	metrics.ObserveClean("unified", stage, r.Latency)
	logger.IncrementCleaned(1)
	return true
}

func (p *Pipeline) countExhaustion() {
	if p.mem == nil {
		return
	}
	cur := p.unified.Stats().PoolExhausted
	for {
		prev := p.lastExhausted.Load()
		if cur <= prev {
			return
		}
		if p.lastExhausted.CompareAndSwap(prev, cur) {
			metrics.AddPoolExhausted(cur - prev)
			return
		}
	}
}

// Run starts every collector and blocks until ctx is cancelled, an internal
// error occurs or all collectors have stopped. On return the output channel
// is closed after every queued snapshot was delivered.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	if err := p.batch.Start(ctx); err != nil {
		return err
	}

	sched := cron.New(cron.WithSeconds())
	if spec := p.cfg.Qingxi.ReportSchedule; spec != "" {
		if _, err := sched.AddFunc(spec, func() { p.Report(ctx) }); err != nil {
			p.shutdown(sched)
			return fmt.Errorf("report schedule %q: %w", spec, err)
		}
	}
	sched.Start()

	p.log.WithFields(logger.Fields{
		"collectors": len(p.collectors),
		"exchanges":  p.registry.IDs(),
		"cleaner":    p.cfg.Cleaner.Kind,
	}).Info("pipeline started")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.collectors {
		g.Go(func() error {
			err := c.Run(gctx)
			if err == nil {
				return nil
			}
			if models.IsKind(err, models.ErrInternal) {
				return err
			}
			p.log.WithExchange(c.Exchange()).WithError(err).Error("collector stopped")
			p.books.Reset(c.Exchange())
			return nil
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() == nil {
		err = ErrNoCollectors
	}

	p.shutdown(sched)
	p.log.WithError(err).Info("pipeline stopped")
	return err
}

func (p *Pipeline) shutdown(sched *cron.Cron) {
	<-sched.Stop().Done()
	p.batch.Stop()
	p.closeResources()
	p.Report(context.Background())
}

func (p *Pipeline) closeResources() {
	if p.pool != nil {
		p.pool.Shutdown()
	}
	p.out.Close()
}

// Output delivers cleaned snapshots. It is closed when Run returns.
func (p *Pipeline) Output() <-chan models.MarketDataSnapshot { return p.out.Out() }

func (p *Pipeline) Health() *health.Registry { return p.health }

// Healthy reports whether every exchange produced data within the configured silence window.
func (p *Pipeline) Healthy() bool { return p.health.Healthy(p.cfg.Qingxi.HealthSilence) }

func (p *Pipeline) Collectors() []*reader.Collector { return p.collectors }

type Stats struct {
	Batch       processor.BatchStats
	Output      channel.Stats
	Books       int
	StaleDeltas uint64
	Progressive *cleaner.CleaningStats
	Unified     *cleaner.UnifiedStats
	ThreadPool  *threadpool.Stats
	MemoryPool  *mempool.Stats
}

func (p *Pipeline) Stats() Stats {
	stale, _ := p.books.Stats()
	st := Stats{
		Batch:       p.batch.Stats(),
		Output:      p.out.Stats(),
		Books:       p.books.Len(),
		StaleDeltas: stale,
	}
	if p.progressive != nil {
		cs := p.progressive.Stats()
		st.Progressive = &cs
	}
	if p.unified != nil {
		us := p.unified.Stats()
		st.Unified = &us
	}
	if p.pool != nil {
		ts := p.pool.Stats()
		st.ThreadPool = &ts
	}
	if p.mem != nil {
		ms := p.mem.Stats()
		st.MemoryPool = &ms
	}
	return st
}

// Report logs one runtime report with the pipeline counters attached.
func (p *Pipeline) Report(ctx context.Context) {
	st := p.Stats()
	fields := logger.Fields{
		"batch_enqueued":   st.Batch.Enqueued,
		"batch_dropped":    st.Batch.Dropped,
		"batch_errors":     st.Batch.Errors,
		"batch_queue":      st.Batch.QueueDepth,
		"avg_flush_us":     st.Batch.AvgFlushLatency.Microseconds(),
		"output_buffered":  st.Output.Buffered,
		"output_delivered": st.Output.Delivered,
		"books":            st.Books,
		"stale_deltas":     st.StaleDeltas,
		"healthy":          p.Healthy(),
	}
	if st.Progressive != nil {
		fields["adaptive_adjustments"] = st.Progressive.AdaptiveAdjustments
		fields["success_rate"] = st.Progressive.SuccessRate()
		fields["avg_clean_us"] = st.Progressive.AverageLatency().Microseconds()
	}
	if st.Unified != nil {
		fields["rejected_snapshots"] = st.Unified.Rejected
		fields["pool_exhausted"] = st.Unified.PoolExhausted
		fields["avg_clean_us"] = st.Unified.AverageLatency().Microseconds()
	}
	if st.ThreadPool != nil {
		fields["pool_workers"] = st.ThreadPool.Workers
		fields["pool_cpu_percent"] = st.ThreadPool.CPUPercent
	}
	for _, s := range p.health.Snapshot() {
		fields["connected_"+s.Exchange] = s.Connected
	}
	logger.Report(ctx, logger.GetLogger(), fields)
}
