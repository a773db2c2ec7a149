package book

import (
	"sync"

	"qingxi/internal/metrics"
	"qingxi/logger"
	"qingxi/models"
)

// Manager owns one Book per exchange and symbol.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*Book
	depth int
	log   *logger.Log

	stale  uint64
	seeded uint64
}

// NewManager creates a manager that materializes depth levels per side
// (0 keeps every level).
func NewManager(depth int) *Manager {
	return &Manager{
		books: make(map[string]*Book),
		depth: depth,
		log:   logger.GetLogger(),
	}
}

func key(source string, symbol models.Symbol) string {
	return source + ":" + symbol.String()
}

func (m *Manager) book(source string, symbol models.Symbol) (*Book, bool) {
	k := key(source, symbol)
	m.mu.RLock()
	b, ok := m.books[k]
	m.mu.RUnlock()
	if ok {
		return b, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[k]; ok {
		return b, true
	}
	b = NewBook(symbol, source)
	m.books[k] = b
	return b, false
}

// Apply folds an order book message into the local book and returns the
// resulting view. ok is false for stale deltas and for messages that carry no
// order book.
func (m *Manager) Apply(msg models.MarketDataMessage) (*models.OrderBook, bool) {
	ob := msg.OrderBook
	if ob == nil {
		return nil, false
	}
	b, existed := m.book(ob.Source, ob.Symbol)
	switch msg.Kind {
	case models.KindOrderBookSnapshot:
		b.ApplySnapshot(ob)
	case models.KindOrderBookDelta:
		if !existed {
			// no snapshot yet: the first delta seeds an empty book
			m.mu.Lock()
			m.seeded++
			m.mu.Unlock()
		}
		if !b.ApplyDelta(ob) {
			m.mu.Lock()
			m.stale++
			m.mu.Unlock()
			metrics.EmitDropMetric(m.log, metrics.DropMetricStaleDelta, ob.Source, ob.Symbol.String(), "book")
			return nil, false
		}
	default:
		return nil, false
	}
	return b.OrderBook(m.depth), true
}

// Get returns the current view of a book.
func (m *Manager) Get(source string, symbol models.Symbol) (*models.OrderBook, bool) {
	m.mu.RLock()
	b, ok := m.books[key(source, symbol)]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b.OrderBook(m.depth), true
}

// Has reports whether a book exists without materializing it.
func (m *Manager) Has(source string, symbol models.Symbol) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.books[key(source, symbol)]
	return ok
}

// Reset drops every book of an exchange, used after a reconnect.
func (m *Manager) Reset(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.books {
		if b.source == source {
			delete(m.books, k)
		}
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books)
}

// Stats returns the number of stale deltas dropped and books seeded by a delta.
func (m *Manager) Stats() (stale, seeded uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stale, m.seeded
}
