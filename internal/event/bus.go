package event

import (
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/deployshell/hostd/internal/logging"
)

// Handler receives a published event.
type Handler func(Event)

// subscription is one registered handler.
type subscription struct {
	id      string
	handler Handler
}

// wildcard is the pseudo event type carrying SubscribeAll handlers.
const wildcard = "*"

// Bus is a synchronous pub-sub bus connecting the orchestrator to the
// bridge without a direct dependency between them. Handlers run on the
// publisher's goroutine, in registration order within each event type.
type Bus struct {
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[string][]subscription // event type -> subscriptions
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger attaches a logger for handler panic reports.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger: logging.NopLogger(),
		subs:   make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type and returns the ID to
// unsubscribe with.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler receiving every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID, reporting whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers an event: type-specific handlers first, then wildcard
// handlers. A panicking handler is recovered and logged so it cannot
// block delivery to the rest.
func (b *Bus) Publish(e Event) {
	eventType := e.EventType()

	b.mu.RLock()
	pending := make([]subscription, 0, len(b.subs[eventType])+len(b.subs[wildcard]))
	pending = append(pending, b.subs[eventType]...)
	pending = append(pending, b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range pending {
		b.deliver(sub.handler, e)
	}
}

func (b *Bus) deliver(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}
