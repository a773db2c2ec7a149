package cleaner

import (
	"fmt"
	"sync"
	"time"

	"qingxi/logger"
	"qingxi/models"
)

type Stage int

const (
	StageBasic Stage = iota
	StageDeep
	StageAggressive
)

func (s Stage) String() string {
	switch s {
	case StageBasic:
		return "basic"
	case StageDeep:
		return "deep"
	case StageAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// Thresholds select the cleaning stage from a quality score. They must stay
// strictly ordered Basic > Deep > Aggressive.
type Thresholds struct {
	Basic      float64
	Deep       float64
	Aggressive float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Basic: 0.8, Deep: 0.6, Aggressive: 0.4}
}

func (t Thresholds) Validate() error {
	if !(t.Basic > t.Deep && t.Deep > t.Aggressive && t.Aggressive > 0 && t.Basic <= 1) {
		return fmt.Errorf("thresholds must satisfy 1 >= basic > deep > aggressive > 0, got %.3f/%.3f/%.3f", t.Basic, t.Deep, t.Aggressive)
	}
	return nil
}

// Select maps a score to a stage.
func (t Thresholds) Select(score float64) Stage {
	switch {
	case score >= t.Basic:
		return StageBasic
	case score >= t.Deep:
		return StageDeep
	default:
		return StageAggressive
	}
}

type ProgressiveConfig struct {
	Thresholds         Thresholds
	MaxSpreadRatio     float64
	MinDepth           int
	MidPriceTolerance  float64
	DeepMaxDepth       int
	AggressiveMaxDepth int
	MinQuantity        float64
	TradeBandTolerance float64
	MaxTrades          int

	WindowSize       int
	RecentSize       int
	TuneInterval     int
	ThresholdFloor   float64
	ThresholdCeiling float64

	Now func() time.Time
}

func DefaultProgressiveConfig() ProgressiveConfig {
	return ProgressiveConfig{
		Thresholds:         DefaultThresholds(),
		MaxSpreadRatio:     0.05,
		MinDepth:           5,
		MidPriceTolerance:  0.10,
		DeepMaxDepth:       50,
		AggressiveMaxDepth: 20,
		MinQuantity:        1e-8,
		TradeBandTolerance: 0.20,
		MaxTrades:          100,
		WindowSize:         100,
		RecentSize:         10,
		TuneInterval:       10,
		ThresholdFloor:     0.05,
		ThresholdCeiling:   0.99,
		Now:                time.Now,
	}
}

func (c ProgressiveConfig) withDefaults() ProgressiveConfig {
	d := DefaultProgressiveConfig()
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.MaxSpreadRatio <= 0 {
		c.MaxSpreadRatio = d.MaxSpreadRatio
	}
	if c.MinDepth <= 0 {
		c.MinDepth = d.MinDepth
	}
	if c.MidPriceTolerance <= 0 {
		c.MidPriceTolerance = d.MidPriceTolerance
	}
	if c.DeepMaxDepth <= 0 {
		c.DeepMaxDepth = d.DeepMaxDepth
	}
	if c.AggressiveMaxDepth <= 0 {
		c.AggressiveMaxDepth = d.AggressiveMaxDepth
	}
	if c.MinQuantity <= 0 {
		c.MinQuantity = d.MinQuantity
	}
	if c.TradeBandTolerance <= 0 {
		c.TradeBandTolerance = d.TradeBandTolerance
	}
	if c.MaxTrades <= 0 {
		c.MaxTrades = d.MaxTrades
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.RecentSize <= 0 || c.RecentSize > c.WindowSize {
		c.RecentSize = min(d.RecentSize, c.WindowSize)
	}
	if c.TuneInterval <= 0 {
		c.TuneInterval = d.TuneInterval
	}
	if c.ThresholdFloor <= 0 {
		c.ThresholdFloor = d.ThresholdFloor
	}
	if c.ThresholdCeiling <= 0 || c.ThresholdCeiling > 1 {
		c.ThresholdCeiling = d.ThresholdCeiling
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CleaningStats are monotonic counters reset only by ResetStats.
type CleaningStats struct {
	Processed           uint64
	Succeeded           uint64
	BasicStage          uint64
	DeepStage           uint64
	AggressiveStage     uint64
	Critical            uint64
	AdaptiveAdjustments uint64
	TotalLatency        time.Duration
	QualitySum          float64
}

func (s CleaningStats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Processed)
}

func (s CleaningStats) AverageLatency() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Processed)
}

func (s CleaningStats) AverageQuality() float64 {
	if s.Processed == 0 {
		return 0
	}
	return s.QualitySum / float64(s.Processed)
}

// Outcome describes what happened to one snapshot.
type Outcome struct {
	Stage    Stage
	Score    float64
	Critical bool
	Clean    bool
	Latency  time.Duration
}

// Progressive picks basic, deep or aggressive cleaning from a per-snapshot
// quality score and nudges its thresholds from the recent score history.
// The tuning is a percentage heuristic; it is not guaranteed to converge.
type Progressive struct {
	cfg ProgressiveConfig
	log *logger.Entry

	mu         sync.RWMutex
	thresholds Thresholds
	window     []float64
	next       int
	filled     bool
	sinceTune  int
	stats      CleaningStats
}

func NewProgressive(cfg ProgressiveConfig) (*Progressive, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Progressive{
		cfg:        cfg,
		log:        logger.GetLogger().WithComponent("progressive_cleaner"),
		thresholds: cfg.Thresholds,
		window:     make([]float64, cfg.WindowSize),
	}, nil
}

// Clean assesses the snapshot, cleans it in place with the selected stage
// and records the score for threshold tuning.
func (c *Progressive) Clean(s *models.MarketDataSnapshot) Outcome {
	start := time.Now()
	a := Assess(s, c.cfg.Now(), c.cfg.MaxSpreadRatio, c.cfg.MinDepth)

	c.mu.RLock()
	th := c.thresholds
	c.mu.RUnlock()

	stage := th.Select(a.Score)
	c.apply(s, stage)
	s.QualityScore = a.Score

	out := Outcome{
		Stage:    stage,
		Score:    a.Score,
		Critical: a.Score < th.Aggressive,
		Clean:    isClean(s.OrderBook),
		Latency:  time.Since(start),
	}
	c.record(out)
	return out
}

// CleanWithStage runs one stage directly without assessment or tuning.
func (c *Progressive) CleanWithStage(s *models.MarketDataSnapshot, stage Stage) {
	c.apply(s, stage)
}

func (c *Progressive) apply(s *models.MarketDataSnapshot, stage Stage) {
	switch stage {
	case StageBasic:
		c.basic(s)
	case StageDeep:
		c.deep(s, c.cfg.DeepMaxDepth)
	default:
		c.aggressive(s)
	}
}

func (c *Progressive) basic(s *models.MarketDataSnapshot) {
	if ob := s.OrderBook; ob != nil {
		ob.Bids = filterValid(ob.Bids)
		ob.Asks = filterValid(ob.Asks)
		sortMerge(ob)
		uncross(ob)
	}
	s.Trades = cleanTrades(s.Trades)
}

func (c *Progressive) deep(s *models.MarketDataSnapshot, depth int) {
	c.basic(s)
	c.deepFilters(s, depth)
}

func (c *Progressive) deepFilters(s *models.MarketDataSnapshot, depth int) {
	ob := s.OrderBook
	if ob != nil {
		if mid, ok := ob.MidPrice(); ok {
			ob.Bids = filterDeviation(ob.Bids, mid, c.cfg.MidPriceTolerance)
			ob.Asks = filterDeviation(ob.Asks, mid, c.cfg.MidPriceTolerance)
		}
		ob.Bids = capDepth(ob.Bids, depth)
		ob.Asks = capDepth(ob.Asks, depth)
	}
	if lo, hi, ok := tradeBand(ob, s.Trades, c.cfg.TradeBandTolerance); ok {
		s.Trades = filterTradeBand(s.Trades, lo, hi)
	}
}

// aggressive discards both sides outright when the book is crossed instead of
// repairing it.
func (c *Progressive) aggressive(s *models.MarketDataSnapshot) {
	if ob := s.OrderBook; ob != nil {
		ob.Bids = filterValid(ob.Bids)
		ob.Asks = filterValid(ob.Asks)
		sortMerge(ob)
		if ob.IsInverted() {
			ob.Bids = ob.Bids[:0]
			ob.Asks = ob.Asks[:0]
		}
	}
	s.Trades = cleanTrades(s.Trades)
	c.deepFilters(s, c.cfg.AggressiveMaxDepth)
	if ob := s.OrderBook; ob != nil {
		ob.Bids = dropBelowQuantity(ob.Bids, c.cfg.MinQuantity)
		ob.Asks = dropBelowQuantity(ob.Asks, c.cfg.MinQuantity)
	}
	if n := len(s.Trades); n > c.cfg.MaxTrades {
		s.Trades = s.Trades[n-c.cfg.MaxTrades:]
	}
}

func (c *Progressive) record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Processed++
	if o.Clean {
		c.stats.Succeeded++
	}
	switch o.Stage {
	case StageBasic:
		c.stats.BasicStage++
	case StageDeep:
		c.stats.DeepStage++
	default:
		c.stats.AggressiveStage++
	}
	if o.Critical {
		c.stats.Critical++
	}
	c.stats.TotalLatency += o.Latency
	c.stats.QualitySum += o.Score

	c.window[c.next] = o.Score
	c.next = (c.next + 1) % len(c.window)
	if c.next == 0 {
		c.filled = true
	}

	c.sinceTune++
	if c.sinceTune >= c.cfg.TuneInterval {
		c.sinceTune = 0
		c.tuneLocked()
	}
}

// samplesLocked returns the window in insertion order.
func (c *Progressive) samplesLocked() []float64 {
	if !c.filled {
		return c.window[:c.next]
	}
	out := make([]float64, 0, len(c.window))
	out = append(out, c.window[c.next:]...)
	return append(out, c.window[:c.next]...)
}

func (c *Progressive) tuneLocked() {
	samples := c.samplesLocked()
	if len(samples) < c.cfg.RecentSize {
		return
	}
	overall := mean(samples)
	recent := mean(samples[len(samples)-c.cfg.RecentSize:])
	if overall <= 0 {
		return
	}

	old := c.thresholds
	switch {
	case recent < 0.9*overall:
		c.thresholds = c.scaleThresholds(0.95)
	case recent > 1.1*overall:
		c.thresholds = c.scaleThresholds(1.02)
	default:
		return
	}
	if c.thresholds == old {
		return
	}
	c.stats.AdaptiveAdjustments++
	c.log.WithFields(logger.Fields{
		"recent_mean":  recent,
		"overall_mean": overall,
		"basic":        c.thresholds.Basic,
		"deep":         c.thresholds.Deep,
		"aggressive":   c.thresholds.Aggressive,
	}).Info("adjusted cleaning thresholds")
}

const thresholdGap = 0.01

// scaleThresholds multiplies every threshold by f, clamped to the floor and
// ceiling while keeping basic > deep > aggressive.
func (c *Progressive) scaleThresholds(f float64) Thresholds {
	t := c.thresholds
	floor, ceil := c.cfg.ThresholdFloor, c.cfg.ThresholdCeiling
	if f < 1 {
		a := max(t.Aggressive*f, floor)
		d := max(t.Deep*f, a+thresholdGap)
		b := max(t.Basic*f, d+thresholdGap)
		return Thresholds{Basic: b, Deep: d, Aggressive: a}
	}
	b := min(t.Basic*f, ceil)
	d := min(t.Deep*f, b-thresholdGap)
	a := min(t.Aggressive*f, d-thresholdGap)
	return Thresholds{Basic: b, Deep: d, Aggressive: a}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (c *Progressive) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

func (c *Progressive) Stats() CleaningStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ResetStats zeroes the counters. Thresholds and the score window are kept.
func (c *Progressive) ResetStats() {
	c.mu.Lock()
	c.stats = CleaningStats{}
	c.mu.Unlock()
}
