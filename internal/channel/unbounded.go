// Package channel provides the unbounded output channel handed to strategy
// consumers.
package channel

import (
	"sync"
	"sync/atomic"

	"qingxi/logger"
	"qingxi/models"
)

type Stats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Buffered  int64  `json:"buffered"`
	Peak      int64  `json:"peak"`
}

// Unbounded never blocks a sender for longer than a buffer append. Values
// are delivered on Out in send order; Out is closed once Close was called
// and every buffered value was received.
type Unbounded[T any] struct {
	name string
	in   chan T
	out  chan T

	mu     sync.RWMutex
	closed bool

	sent      atomic.Uint64
	delivered atomic.Uint64
	buffered  atomic.Int64
	peak      atomic.Int64
}

func NewUnbounded[T any](name string) *Unbounded[T] {
	u := &Unbounded[T]{
		name: name,
		in:   make(chan T),
		out:  make(chan T),
	}
	go u.pump()

	logger.GetLogger().WithComponent("channels").WithFields(logger.Fields{
		"channel": name,
	}).Debug("unbounded channel initialized")
	return u
}

func (u *Unbounded[T]) pump() {
	defer close(u.out)
	var queue []T
	for {
		if len(queue) == 0 {
			v, ok := <-u.in
			if !ok {
				return
			}
			queue = append(queue, v)
			u.grow()
			continue
		}
		select {
		case v, ok := <-u.in:
			if !ok {
				for _, rest := range queue {
					u.out <- rest
					u.delivered.Add(1)
					u.buffered.Add(-1)
				}
				return
			}
			queue = append(queue, v)
			u.grow()
		case u.out <- queue[0]:
			var zero T
			queue[0] = zero
			queue = queue[1:]
			u.delivered.Add(1)
			u.buffered.Add(-1)
		}
	}
}

func (u *Unbounded[T]) grow() {
	n := u.buffered.Add(1)
	for {
		p := u.peak.Load()
		if n <= p || u.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// Send queues v. It returns models.ErrChannelClosed after Close.
func (u *Unbounded[T]) Send(v T) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return models.ErrChannelClosed
	}
	u.in <- v
	u.sent.Add(1)
	logger.RecordChannelMessage(u.name, 1)
	return nil
}

func (u *Unbounded[T]) Out() <-chan T { return u.out }

// Close stops accepting values. Already queued values are still delivered.
func (u *Unbounded[T]) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	close(u.in)
}

func (u *Unbounded[T]) Len() int { return int(u.buffered.Load()) }

func (u *Unbounded[T]) Stats() Stats {
	return Stats{
		Sent:      u.sent.Load(),
		Delivered: u.delivered.Load(),
		Buffered:  u.buffered.Load(),
		Peak:      u.peak.Load(),
	}
}
