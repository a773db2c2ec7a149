package reader

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64 `yaml:"jitter"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// Backoff yields exponentially growing, jittered delays that never decrease
// between resets and never exceed Max.
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	attempt int
	prev    time.Duration
	rnd     *rand.Rand
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults(), rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next returns the delay before the next attempt. factor >= 1 stretches the
// delay for poor quality connections.
func (b *Backoff) Next(factor float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	raw := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(b.attempt-1))
	if factor > 1 {
		raw *= factor
	}
	limit := float64(b.cfg.Max)
	if raw > limit || math.IsInf(raw, 0) || math.IsNaN(raw) {
		raw = limit
	}
	if b.cfg.Jitter > 0 {
		raw += raw * b.cfg.Jitter * (2*b.rnd.Float64() - 1)
	}

	d := time.Duration(raw)
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.prev = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
