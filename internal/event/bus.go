package event

import (
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/laneway/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus delivers engine events synchronously to subscribers.
type Bus struct {
	mu       sync.RWMutex
	byType   map[string][]subscription
	wildcard []subscription
	nextID   atomic.Uint64
	logger   *logging.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithPanicLogger sets where panicking handlers are reported.
func WithPanicLogger(l *logging.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{byType: make(map[string][]subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) newSubscription(h Handler) subscription {
	return subscription{id: "sub-" + strconv.FormatUint(b.nextID.Add(1), 10), handler: h}
}

// Subscribe registers a handler for one event type and returns its
// subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	sub := b.newSubscription(handler)
	b.mu.Lock()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.mu.Unlock()
	return sub.id
}

// SubscribeAll registers a handler that sees every event after the
// type-specific handlers.
func (b *Bus) SubscribeAll(handler Handler) string {
	sub := b.newSubscription(handler)
	b.mu.Lock()
	b.wildcard = append(b.wildcard, sub)
	b.mu.Unlock()
	return sub.id
}

// Handle subscribes a handler typed to one concrete event struct. Events
// of eventType that are not a T are ignored.
func Handle[T Event](b *Bus, eventType string, handle func(T)) string {
	return b.Subscribe(eventType, func(e Event) {
		if ev, ok := e.(T); ok {
			handle(ev)
		}
	})
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := func(s subscription) bool { return s.id == id }
	if i := slices.IndexFunc(b.wildcard, match); i >= 0 {
		b.wildcard = slices.Delete(slices.Clone(b.wildcard), i, i+1)
		return true
	}
	for eventType, subs := range b.byType {
		if i := slices.IndexFunc(subs, match); i >= 0 {
			b.byType[eventType] = slices.Delete(slices.Clone(subs), i, i+1)
			return true
		}
	}
	return false
}

// Publish dispatches an event in registration order, type-specific
// handlers first. Handlers registered during Publish see the next event.
// A nil Bus drops the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	specific := b.byType[event.EventType()]
	wildcard := b.wildcard
	b.mu.RUnlock()

	// Writers replace the slices rather than mutating them, so the
	// snapshots stay valid without copying.
	for _, sub := range specific {
		b.deliver(sub.handler, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub.handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger := b.logger
			if logger == nil {
				return
			}
			logger.Error("event handler panicked",
				"event", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.wildcard)
	for _, subs := range b.byType {
		count += len(subs)
	}
	return count
}
