package tracker

import "sync"

// EventKind identifies a passive DOM-level signal.
type EventKind string

const (
	EventPaste           EventKind = "paste"
	EventScroll          EventKind = "scroll"
	EventVisibility      EventKind = "visibilitychange"
	EventClick           EventKind = "click"
	EventCopy            EventKind = "copy"
	EventContextMenu     EventKind = "contextmenu"
	EventValidationError EventKind = "invalid"
	EventMouseMove       EventKind = "mousemove"
)

// Event is one passive signal forwarded by the host.
type Event struct {
	Kind EventKind
	// Target is the field name (or element id for clicks). May be empty.
	Target string
	X, Y   int
	// ScrollPercent is the scrolled fraction of the page, 0-100.
	ScrollPercent float64
	// Hidden is the document visibility after a visibilitychange.
	Hidden  bool
	Message string
}

// Handler consumes events.
type Handler func(Event)

// EventSource delivers events to subscribers until unsubscribed.
type EventSource interface {
	Subscribe(h Handler) (unsubscribe func())
}

// Bus is an in-process EventSource. Hosts publish DOM events into it.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: map[int]Handler{}}
}

// Subscribe registers h.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every current subscriber synchronously.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
