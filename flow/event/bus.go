package event

import "sync"

// Handler receives events published on a Bus.
//
// Handlers must not block for long periods: the runner publishes from its
// merge step, so a slow handler slows the run. Handlers that do I/O should
// buffer internally.
type Handler interface {
	Handle(e Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(e Event)

// Handle calls f(e).
func (f HandlerFunc) Handle(e Event) { f(e) }

// Bus fans events out to subscribed handlers in subscription order.
//
// A Bus belongs to one runner instance and is passed at construction; there
// is no process-global bus. Subscribe may be called concurrently with
// Publish.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates a Bus with an optional initial set of handlers.
func NewBus(handlers ...Handler) *Bus {
	b := &Bus{}
	b.handlers = append(b.handlers, handlers...)
	return b
}

// Subscribe registers a handler for every subsequent event.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers e to all handlers synchronously, in subscription order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()

	for _, h := range hs {
		h.Handle(e)
	}
}
