package reader

import (
	"testing"
	"time"
)

func TestBackoffDoublesWithinJitter(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got := b.Next(1)
		lo := time.Duration(float64(w) * 0.9)
		hi := time.Duration(float64(w) * 1.1)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i+1, got, lo, hi)
		}
	}
	if b.Attempt() != 3 {
		t.Fatalf("expected 3 attempts, got %d", b.Attempt())
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: 10 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 1.5, Jitter: 0.5})
	var prev time.Duration
	for i := 0; i < 50; i++ {
		d := b.Next(1)
		if d < prev {
			t.Fatalf("delay decreased at %d: %v < %v", i, d, prev)
		}
		if d > 200*time.Millisecond {
			t.Fatalf("delay %v exceeds cap", d)
		}
		prev = d
	}
	if prev != 200*time.Millisecond {
		t.Fatalf("expected sequence to settle at the cap, got %v", prev)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2})
	b.Next(1)
	b.Next(1)
	b.Reset()
	if d := b.Next(1); d != 100*time.Millisecond {
		t.Fatalf("expected base delay after reset, got %v", d)
	}
}

func TestBackoffQualityFactorStretches(t *testing.T) {
	plain := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2})
	poor := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2})
	if a, b := plain.Next(1), poor.Next(1.5); b != 150*time.Millisecond || a != 100*time.Millisecond {
		t.Fatalf("unexpected delays %v / %v", a, b)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	if d := b.Next(1); d < 900*time.Millisecond || d > 1100*time.Millisecond {
		t.Fatalf("default first delay %v", d)
	}
}

func TestQualityMonitorEWMA(t *testing.T) {
	q := NewQualityMonitor(QualityConfig{Alpha: 0.5, Weight: 2, Degraded: 0.5, MinHeartbeat: time.Second, MaxHeartbeat: 11 * time.Second})
	if q.HeartbeatInterval() != 11*time.Second || q.BackoffFactor() != 1 {
		t.Fatalf("clean link should use the max interval and no stretch")
	}
	q.Record(false)
	if r := q.FailureRate(); r != 0.5 {
		t.Fatalf("failure rate = %v", r)
	}
	if hb := q.HeartbeatInterval(); hb != 6*time.Second {
		t.Fatalf("heartbeat = %v", hb)
	}
	if f := q.BackoffFactor(); f != 1 {
		t.Fatalf("backoff factor at the degraded threshold = %v", f)
	}
	q.Record(false)
	if f := q.BackoffFactor(); f != 2 {
		t.Fatalf("backoff factor = %v", f)
	}
	q.Record(true)
	if r := q.FailureRate(); r != 0.375 {
		t.Fatalf("failure rate after success = %v", r)
	}
	s, f := q.Counts()
	if s != 1 || f != 2 {
		t.Fatalf("counts = %d/%d", s, f)
	}
}

func TestQualityMonitorIntervalBounds(t *testing.T) {
	q := NewQualityMonitor(QualityConfig{MinHeartbeat: 2 * time.Second, MaxHeartbeat: 4 * time.Second})
	for i := 0; i < 200; i++ {
		q.Record(false)
		hb := q.HeartbeatInterval()
		if hb < 2*time.Second || hb > 4*time.Second {
			t.Fatalf("interval %v out of bounds", hb)
		}
	}
}

func TestReconnectDelaysAfterConsecutiveFailures(t *testing.T) {
	q := NewQualityMonitor(DefaultQualityConfig())
	b := NewBackoff(BackoffConfig{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1})
	for i, w := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		q.Record(false)
		got := b.Next(q.BackoffFactor())
		lo := time.Duration(float64(w) * 0.9)
		hi := time.Duration(float64(w) * 1.1)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i+1, got, lo, hi)
		}
	}
}

func TestDegradedLinkStretchesBackoff(t *testing.T) {
	q := NewQualityMonitor(DefaultQualityConfig())
	for q.FailureRate() <= 0.5 {
		q.Record(false)
	}
	if f := q.BackoffFactor(); f <= 1 || f > 2 {
		t.Fatalf("degraded link factor = %v", f)
	}
	plain := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2})
	poor := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2})
	if a, b := plain.Next(1), poor.Next(q.BackoffFactor()); b <= a {
		t.Fatalf("degraded delay %v should exceed %v", b, a)
	}
}
