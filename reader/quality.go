package reader

import (
	"sync"
	"time"
)

// QualityConfig tunes the connection quality monitor.
type QualityConfig struct {
	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64 `yaml:"alpha"`
	// Weight scales how much the failure rate stretches backoff delays.
	Weight float64 `yaml:"weight"`
	// Degraded is the failure rate above which backoff delays are stretched.
	// A short run of failures on a healthy link stays below it.
	Degraded     float64       `yaml:"degraded"`
	MinHeartbeat time.Duration `yaml:"min_heartbeat"`
	MaxHeartbeat time.Duration `yaml:"max_heartbeat"`
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{Alpha: 0.2, Weight: 1, Degraded: 0.5, MinHeartbeat: 5 * time.Second, MaxHeartbeat: 20 * time.Second}
}

func (c QualityConfig) withDefaults() QualityConfig {
	d := DefaultQualityConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.Weight < 0 {
		c.Weight = 0
	}
	if c.Degraded <= 0 || c.Degraded >= 1 {
		c.Degraded = d.Degraded
	}
	if c.MinHeartbeat <= 0 {
		c.MinHeartbeat = d.MinHeartbeat
	}
	if c.MaxHeartbeat <= 0 {
		c.MaxHeartbeat = d.MaxHeartbeat
	}
	if c.MaxHeartbeat < c.MinHeartbeat {
		c.MaxHeartbeat = c.MinHeartbeat
	}
	return c
}

// QualityMonitor keeps an exponentially weighted failure rate over round
// trips. A rising rate shortens heartbeats and stretches reconnect delays.
type QualityMonitor struct {
	cfg QualityConfig

	mu          sync.Mutex
	failureRate float64
	successes   uint64
	failures    uint64
}

func NewQualityMonitor(cfg QualityConfig) *QualityMonitor {
	return &QualityMonitor{cfg: cfg.withDefaults()}
}

// Record folds one round trip outcome into the failure rate.
func (q *QualityMonitor) Record(ok bool) {
	x := 0.0
	if !ok {
		x = 1
	}
	q.mu.Lock()
	q.failureRate = q.cfg.Alpha*x + (1-q.cfg.Alpha)*q.failureRate
	if ok {
		q.successes++
	} else {
		q.failures++
	}
	q.mu.Unlock()
}

func (q *QualityMonitor) FailureRate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failureRate
}

// HeartbeatInterval interpolates between MaxHeartbeat for a clean link and
// MinHeartbeat for a failing one.
func (q *QualityMonitor) HeartbeatInterval() time.Duration {
	rate := q.FailureRate()
	span := float64(q.cfg.MaxHeartbeat - q.cfg.MinHeartbeat)
	d := q.cfg.MaxHeartbeat - time.Duration(span*rate)
	return min(max(d, q.cfg.MinHeartbeat), q.cfg.MaxHeartbeat)
}

// BackoffFactor is the multiplier applied to reconnect delays. It is 1 until
// the failure rate passes Degraded, then grows linearly to 1+Weight at a
// failure rate of 1.
func (q *QualityMonitor) BackoffFactor() float64 {
	rate := q.FailureRate()
	if rate <= q.cfg.Degraded {
		return 1
	}
	return 1 + (rate-q.cfg.Degraded)/(1-q.cfg.Degraded)*q.cfg.Weight
}

// Counts returns the successful and failed round trips seen so far.
func (q *QualityMonitor) Counts() (successes, failures uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.successes, q.failures
}
