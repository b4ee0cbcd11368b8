package core

import (
	"runtime/debug"
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventStateChanged fires when the service state machine transitions.
	EventStateChanged EventType = iota
	// EventProxyStateChanged fires when the proxy manager transitions.
	EventProxyStateChanged
	// EventUsageChanged fires when the proxy reports new bandwidth usage.
	EventUsageChanged
	// EventPermissionAdded fires when a site exception is saved.
	EventPermissionAdded
	// EventConfigReloaded fires after the daemon config is (re)loaded.
	EventConfigReloaded
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventProxyStateChanged:
		return "proxy-state-changed"
	case EventUsageChanged:
		return "usage-changed"
	case EventPermissionAdded:
		return "permission-added"
	case EventConfigReloaded:
		return "config-reloaded"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// StatePayload is the payload for EventStateChanged.
type StatePayload struct {
	State     ServiceState
	PrevState ServiceState
}

// ProxyStatePayload is the payload for EventProxyStateChanged.
type ProxyStatePayload struct {
	State     ProxyState
	PrevState ProxyState
}

// UsagePayload is the payload for EventUsageChanged.
type UsagePayload struct {
	Usage *Usage
}

// PermissionPayload is the payload for EventPermissionAdded.
type PermissionPayload struct {
	Type   string
	Origin string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

type subscriber struct {
	id uint64
	h  Handler
}

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscriber
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
	}
}

// Subscribe registers a handler for a given event type. The returned
// function removes the registration and may be called any number of times.
func (eb *EventBus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[t] = append(eb.handlers[t], subscriber{id: id, h: h})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(t, id) })
	}
}

func (eb *EventBus) remove(t EventType, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[t]
	for i, s := range subs {
		if s.id == id {
			// Copy so that an in-flight Publish keeps its own snapshot.
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			eb.handlers[t] = next
			return
		}
	}
}

// Len returns the number of handlers subscribed to t.
func (eb *EventBus) Len(t EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[t])
}

// Publish fires an event to all subscribed handlers synchronously.
// A panicking handler is logged and does not affect the other handlers.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, s := range handlers {
		eb.dispatch(e, s.h)
	}
}

func (eb *EventBus) dispatch(e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("Core", "Handler for %s panicked: %v\n%s", e.Type, r, debug.Stack())
		}
	}()
	h(e)
}
