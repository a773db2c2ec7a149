// Package health tracks per-exchange connection health reported by the
// collectors.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status is the last known health of one exchange connection.
type Status struct {
	Exchange             string    `json:"exchange"`
	Connected            bool      `json:"connected"`
	State                string    `json:"state"`
	LastMessageLatencyUS int64     `json:"last_message_latency_us"`
	LastUpdate           time.Time `json:"last_update"`
	Reconnects           uint64    `json:"reconnects"`
	FailureRate          float64   `json:"failure_rate"`
}

// Registry is safe for concurrent use. Readers get copies.
type Registry struct {
	mu     sync.RWMutex
	status map[string]*Status
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{status: make(map[string]*Status), now: time.Now}
}

func (r *Registry) entry(exchange string) *Status {
	s, ok := r.status[exchange]
	if !ok {
		s = &Status{Exchange: exchange}
		r.status[exchange] = s
	}
	return s
}

// SetConnected records a connect or disconnect.
func (r *Registry) SetConnected(exchange string, connected bool) {
	r.mu.Lock()
	s := r.entry(exchange)
	s.Connected = connected
	s.LastUpdate = r.now()
	r.mu.Unlock()
}

// SetState records the collector state name.
func (r *Registry) SetState(exchange, state string) {
	r.mu.Lock()
	s := r.entry(exchange)
	s.State = state
	s.LastUpdate = r.now()
	r.mu.Unlock()
}

// RecordMessage stores the latency of the last received message. Negative
// latencies from skewed exchange clocks are stored as zero.
func (r *Registry) RecordMessage(exchange string, latency time.Duration) {
	us := latency.Microseconds()
	if us < 0 {
		us = 0
	}
	r.mu.Lock()
	s := r.entry(exchange)
	s.LastMessageLatencyUS = us
	s.LastUpdate = r.now()
	r.mu.Unlock()
}

func (r *Registry) RecordReconnect(exchange string, failureRate float64) {
	r.mu.Lock()
	s := r.entry(exchange)
	s.Reconnects++
	s.FailureRate = failureRate
	s.LastUpdate = r.now()
	r.mu.Unlock()
}

// Get returns the status for exchange and whether it has ever reported.
func (r *Registry) Get(exchange string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[exchange]
	if !ok {
		return Status{Exchange: exchange}, false
	}
	return *s, true
}

// Snapshot returns all statuses ordered by exchange id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.status))
	for _, s := range r.status {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Healthy reports whether every known exchange is connected and has been heard
// from within maxSilence. An empty registry is not healthy.
func (r *Registry) Healthy(maxSilence time.Duration) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.status) == 0 {
		return false
	}
	for _, s := range r.status {
		if !s.Connected {
			return false
		}
		if maxSilence > 0 && now.Sub(s.LastUpdate) > maxSilence {
			return false
		}
	}
	return true
}

func (r *Registry) Remove(exchange string) {
	r.mu.Lock()
	delete(r.status, exchange)
	r.mu.Unlock()
}
