package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"qingxi/models"
)

// ExchangeAdapter converts one exchange's wire protocol into the common
// message model. Implementations must be safe for concurrent use: the
// collector parses frames and fetches snapshots from different goroutines.
type ExchangeAdapter interface {
	ExchangeID() string
	// BuildSubscriptionMessages returns the frames to send after connecting.
	BuildSubscriptionMessages(subs []models.Subscription) ([][]byte, error)
	// ParseMessage decodes one frame. A nil message with a nil error means
	// the frame carries nothing to emit (acks, pongs, unknown topics).
	ParseMessage(frame []byte, subs []models.Subscription) (*models.MarketDataMessage, error)
	// IsHeartbeat reports whether frame is an application level heartbeat
	// reply.
	IsHeartbeat(frame []byte) bool
	// GetHeartbeatRequest returns the application heartbeat frame, or nil
	// when a WebSocket ping control frame should be used.
	GetHeartbeatRequest() []byte
	// GetInitialSnapshot fetches a full book over REST. Adapters without
	// REST support return models.ErrNotSupported.
	GetInitialSnapshot(ctx context.Context, sub models.Subscription, restURL string) (*models.MarketDataMessage, error)
}

// MultiParser is implemented by adapters whose frames may carry several
// messages, e.g. a batch of trades. The collector prefers it over
// ParseMessage.
type MultiParser interface {
	ParseMessages(frame []byte, subs []models.Subscription) ([]models.MarketDataMessage, error)
}

// Registry maps exchange ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ExchangeAdapter
}

func NewRegistry(adapters ...ExchangeAdapter) *Registry {
	r := &Registry{adapters: make(map[string]ExchangeAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its exchange id.
func (r *Registry) Register(a ExchangeAdapter) {
	r.mu.Lock()
	r.adapters[a.ExchangeID()] = a
	r.mu.Unlock()
}

// Get resolves an exchange id.
func (r *Registry) Get(exchange string) (ExchangeAdapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[exchange]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownExchange, exchange)
	}
	return a, nil
}

// IDs returns the registered exchange ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
