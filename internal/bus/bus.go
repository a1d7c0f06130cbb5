package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Channel subscribers receive events asynchronously with drop-on-full
// semantics; func subscribers are invoked synchronously with panic isolation,
// so one misbehaving observer never interrupts delivery to its siblings.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	fns    map[int]*fnSubscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

type fnSubscription struct {
	namespace string
	fn        func(Event)
}

// New creates a new event bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		fns:    make(map[int]*fnSubscription),
		logger: logger,
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
	// Snapshot func subscribers so a handler may subscribe or unsubscribe
	// from within its callback without corrupting this iteration.
	var fns []func(Event)
	for _, sub := range b.fns {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			fns = append(fns, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.invoke(fn, evt)
	}
}

func (b *Bus) invoke(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.Any("panic", r))
		}
	}()
	fn(evt)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeFunc registers a synchronous handler for events matching the given
// namespace prefix. Returns an unsubscribe function.
func (b *Bus) SubscribeFunc(namespace string, fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.fns[id] = &fnSubscription{namespace: namespace, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.fns, id)
		b.mu.Unlock()
	}
}
