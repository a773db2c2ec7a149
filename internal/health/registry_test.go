package health

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryTracksConnection(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	if _, ok := r.Get("binance"); ok {
		t.Fatalf("unknown exchange should not be reported")
	}
	r.SetConnected("binance", true)
	r.RecordMessage("binance", 1500*time.Microsecond)
	r.SetState("binance", "streaming")

	s, ok := r.Get("binance")
	if !ok || !s.Connected || s.LastMessageLatencyUS != 1500 || s.State != "streaming" {
		t.Fatalf("unexpected status %+v", s)
	}
	if !s.LastUpdate.Equal(now) {
		t.Fatalf("last update not stamped")
	}

	r.RecordMessage("binance", -time.Second)
	if s, _ := r.Get("binance"); s.LastMessageLatencyUS != 0 {
		t.Fatalf("negative latency should clamp to zero")
	}

	r.SetConnected("binance", false)
	if s, _ := r.Get("binance"); s.Connected {
		t.Fatalf("expected disconnected")
	}
}

func TestRegistryHealthy(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	if r.Healthy(0) {
		t.Fatalf("empty registry should not be healthy")
	}
	r.SetConnected("okx", true)
	r.SetConnected("bybit", true)
	if !r.Healthy(time.Second) {
		t.Fatalf("expected healthy")
	}
	now = now.Add(2 * time.Second)
	if r.Healthy(time.Second) {
		t.Fatalf("silent exchanges should be unhealthy")
	}
	r.SetConnected("okx", false)
	if r.Healthy(0) {
		t.Fatalf("disconnected exchange should be unhealthy")
	}
	r.Remove("okx")
	if !r.Healthy(0) {
		t.Fatalf("removed exchange should not count")
	}
}

func TestRegistrySnapshotSortedAndConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for _, ex := range []string{"okx", "binance", "bybit"} {
		wg.Add(1)
		go func(ex string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.RecordMessage(ex, time.Millisecond)
				r.RecordReconnect(ex, 0.1)
				_ = r.Snapshot()
			}
		}(ex)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].Exchange != "binance" || snap[2].Exchange != "okx" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap[1].Reconnects != 100 {
		t.Fatalf("expected 100 reconnects, got %d", snap[1].Reconnects)
	}
}
