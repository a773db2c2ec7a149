package cleaner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qingxi/internal/mempool"
	"qingxi/internal/simd"
	"qingxi/logger"
	"qingxi/models"
)

type Mode int

const (
	ModeFast Mode = iota
	ModeStandard
	ModeUltra
)

func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeStandard:
		return "standard"
	case ModeUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return ModeFast, nil
	case "standard", "":
		return ModeStandard, nil
	case "ultra":
		return ModeUltra, nil
	default:
		return 0, fmt.Errorf("unknown cleaner mode %q", s)
	}
}

type Status int

const (
	StatusCleaned Status = iota
	StatusRejected
	StatusPassThrough
)

func (s Status) String() string {
	switch s {
	case StatusCleaned:
		return "cleaned"
	case StatusRejected:
		return "rejected"
	case StatusPassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// PassThroughQuality tags snapshots that skipped cleaning.
const PassThroughQuality = 0.5

// Result is the outcome of a unified clean. Rejection is a normal result,
// not an error.
type Result struct {
	Status  Status
	Mode    Mode
	Quality float64
	Latency time.Duration
	Reason  string
}

type UnifiedConfig struct {
	Mode                Mode
	Disabled            bool
	QualityThreshold    float64
	MinDepth            int
	PricePrecision      int32
	OutlierTolerance    float64
	BucketSortThreshold int
	SIMDThreshold       int
	MinPrice            float64
	MaxPrice            float64
	MinQuantity         float64
	Now                 func() time.Time
}

func DefaultUnifiedConfig() UnifiedConfig {
	return UnifiedConfig{
		Mode:                ModeStandard,
		QualityThreshold:    0.3,
		MinDepth:            5,
		PricePrecision:      8,
		OutlierTolerance:    0.10,
		BucketSortThreshold: 64,
		SIMDThreshold:       10,
		Now:                 time.Now,
	}
}

func (c UnifiedConfig) withDefaults() UnifiedConfig {
	d := DefaultUnifiedConfig()
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = d.QualityThreshold
	}
	if c.MinDepth <= 0 {
		c.MinDepth = d.MinDepth
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = d.PricePrecision
	}
	if c.OutlierTolerance <= 0 {
		c.OutlierTolerance = d.OutlierTolerance
	}
	if c.BucketSortThreshold <= 0 {
		c.BucketSortThreshold = d.BucketSortThreshold
	}
	if c.SIMDThreshold <= 0 {
		c.SIMDThreshold = d.SIMDThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type UnifiedStats struct {
	Processed     uint64
	Cleaned       uint64
	Rejected      uint64
	PassThrough   uint64
	FastRuns      uint64
	StandardRuns  uint64
	UltraRuns     uint64
	PoolExhausted uint64
	TotalLatency  time.Duration
}

func (s UnifiedStats) AverageLatency() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Processed)
}

// Unified cleans with one of three modes trading depth of checking for
// latency. Safe for concurrent use.
type Unified struct {
	cfg       UnifiedConfig
	pool      *mempool.Pool
	validator *simd.Validator
	log       *logger.Entry
	scratch   sync.Pool

	mode     atomic.Int32
	disabled atomic.Bool

	processed     atomic.Uint64
	cleaned       atomic.Uint64
	rejected      atomic.Uint64
	passThrough   atomic.Uint64
	modeRuns      [3]atomic.Uint64
	poolExhausted atomic.Uint64
	latencyNanos  atomic.Int64
}

// NewUnified builds a cleaner. pool may be nil; ultra mode then always uses
// heap buffers.
func NewUnified(cfg UnifiedConfig, pool *mempool.Pool) *Unified {
	cfg = cfg.withDefaults()
	u := &Unified{
		cfg:       cfg,
		pool:      pool,
		validator: simd.NewValidator(cfg.MinPrice, cfg.MaxPrice, cfg.MinQuantity),
		log:       logger.GetLogger().WithComponent("unified_cleaner"),
	}
	u.scratch.New = func() any { return &simd.Scratch{} }
	u.mode.Store(int32(cfg.Mode))
	u.disabled.Store(cfg.Disabled)
	return u
}

func (u *Unified) Mode() Mode { return Mode(u.mode.Load()) }

func (u *Unified) SetMode(m Mode) { u.mode.Store(int32(m)) }

// SetEnabled toggles pass-through mode.
func (u *Unified) SetEnabled(on bool) { u.disabled.Store(!on) }

func (u *Unified) Enabled() bool { return !u.disabled.Load() }

// Quality is the lightweight pre-clean score: freshness times completeness
// times depth.
func (u *Unified) Quality(s *models.MarketDataSnapshot) float64 {
	score := freshnessFactor(s.Age(u.cfg.Now()))
	ob := s.OrderBook
	if ob == nil {
		if len(s.Trades) == 0 {
			return 0
		}
		return score
	}
	if len(ob.Bids) == 0 {
		score *= 0.5
	}
	if len(ob.Asks) == 0 {
		score *= 0.5
	}
	if len(ob.Bids) < u.cfg.MinDepth || len(ob.Asks) < u.cfg.MinDepth {
		score *= 0.8
	}
	return score
}

// Clean gates the snapshot on quality and cleans it in place with the
// current mode.
func (u *Unified) Clean(s *models.MarketDataSnapshot) Result {
	start := time.Now()
	mode := u.Mode()
	u.processed.Add(1)

	if u.disabled.Load() {
		s.QualityScore = PassThroughQuality
		u.passThrough.Add(1)
		return u.finish(start, Result{Status: StatusPassThrough, Mode: mode, Quality: PassThroughQuality})
	}

	q := u.Quality(s)
	s.QualityScore = q
	if q < u.cfg.QualityThreshold {
		u.rejected.Add(1)
		return u.finish(start, Result{Status: StatusRejected, Mode: mode, Quality: q, Reason: "data quality too low"})
	}

	switch mode {
	case ModeFast:
		u.fast(s)
	case ModeUltra:
		u.ultra(s)
	default:
		mode = ModeStandard
		u.standard(s)
	}
	u.modeRuns[mode].Add(1)
	u.cleaned.Add(1)
	return u.finish(start, Result{Status: StatusCleaned, Mode: mode, Quality: q})
}

func (u *Unified) finish(start time.Time, r Result) Result {
	r.Latency = time.Since(start)
	u.latencyNanos.Add(r.Latency.Nanoseconds())
	return r
}

func (u *Unified) fast(s *models.MarketDataSnapshot) {
	if ob := s.OrderBook; ob != nil {
		ob.Bids = filterValid(ob.Bids)
		ob.Asks = filterValid(ob.Asks)
		sortMerge(ob)
		clearIfInverted(ob)
	}
	s.Trades = cleanTrades(s.Trades)
}

func (u *Unified) standard(s *models.MarketDataSnapshot) {
	u.fast(s)
	if ob := s.OrderBook; ob != nil {
		u.normalize(ob)
	}
}

// normalize rounds prices, folds levels the rounding made equal and removes
// outliers around the mid price.
func (u *Unified) normalize(ob *models.OrderBook) {
	roundPrices(ob.Bids, u.cfg.PricePrecision)
	roundPrices(ob.Asks, u.cfg.PricePrecision)
	ob.Bids = filterValid(simd.MergePriceLevels(ob.Bids))
	ob.Asks = filterValid(simd.MergePriceLevels(ob.Asks))
	clearIfInverted(ob)
	if mid, ok := ob.MidPrice(); ok {
		ob.Bids = filterDeviation(ob.Bids, mid, u.cfg.OutlierTolerance)
		ob.Asks = filterDeviation(ob.Asks, mid, u.cfg.OutlierTolerance)
	}
}

func (u *Unified) ultra(s *models.MarketDataSnapshot) {
	s.Trades = cleanTrades(s.Trades)
	ob := s.OrderBook
	if ob == nil {
		return
	}
	if u.pool != nil && len(ob.Bids) <= mempool.MaxLevels && len(ob.Asks) <= mempool.MaxLevels {
		if h := u.pool.Allocate(); h != nil {
			u.ultraInSlot(ob, h)
			if err := u.pool.Release(h); err != nil {
				u.log.WithStage(ModeUltra.String()).WithError(err).Error("failed to release pool slot")
			}
			return
		}
		u.poolExhausted.Add(1)
	}
	ob.Bids, ob.Asks = u.ultraLevels(ob.Bids, ob.Asks)
	u.normalize(ob)
}

// ultraInSlot stages both sides in a pool slot so the sort and filter passes
// work on preallocated memory, then copies the result back.
func (u *Unified) ultraInSlot(ob *models.OrderBook, h *mempool.UltraFastOrderBook) {
	h.Load(ob)
	bids, asks := u.ultraLevels(h.Bids(), h.Asks())
	h.TruncateBids(len(bids))
	h.TruncateAsks(len(asks))
	h.Store(ob)
	u.normalize(ob)
}

func (u *Unified) ultraLevels(bids, asks []models.OrderBookEntry) ([]models.OrderBookEntry, []models.OrderBookEntry) {
	bids = u.validate(bids)
	asks = u.validate(asks)
	if len(bids) > u.cfg.BucketSortThreshold {
		bucketSort(bids, true)
	} else {
		simd.SortBids(bids)
	}
	if len(asks) > u.cfg.BucketSortThreshold {
		bucketSort(asks, false)
	} else {
		simd.SortAsks(asks)
	}
	bids = simd.MergePriceLevels(bids)
	asks = simd.MergePriceLevels(asks)
	if len(bids) > 0 && len(asks) > 0 && bids[0].Price >= asks[0].Price {
		return bids[:0], asks[:0]
	}
	return bids, asks
}

func (u *Unified) validate(levels []models.OrderBookEntry) []models.OrderBookEntry {
	if len(levels) <= u.cfg.SIMDThreshold {
		levels = filterValid(levels)
		return dropBelowQuantity(levels, u.cfg.MinQuantity)
	}
	sc := u.scratch.Get().(*simd.Scratch)
	levels = u.validator.FilterLevels(levels, sc)
	u.scratch.Put(sc)
	return filterValid(levels)
}

func clearIfInverted(ob *models.OrderBook) {
	if ob.IsInverted() {
		ob.Bids = ob.Bids[:0]
		ob.Asks = ob.Asks[:0]
	}
}

func (u *Unified) Stats() UnifiedStats {
	return UnifiedStats{
		Processed:     u.processed.Load(),
		Cleaned:       u.cleaned.Load(),
		Rejected:      u.rejected.Load(),
		PassThrough:   u.passThrough.Load(),
		FastRuns:      u.modeRuns[ModeFast].Load(),
		StandardRuns:  u.modeRuns[ModeStandard].Load(),
		UltraRuns:     u.modeRuns[ModeUltra].Load(),
		PoolExhausted: u.poolExhausted.Load(),
		TotalLatency:  time.Duration(u.latencyNanos.Load()),
	}
}

func (u *Unified) ResetStats() {
	u.processed.Store(0)
	u.cleaned.Store(0)
	u.rejected.Store(0)
	u.passThrough.Store(0)
	for i := range u.modeRuns {
		u.modeRuns[i].Store(0)
	}
	u.poolExhausted.Store(0)
	u.latencyNanos.Store(0)
}
