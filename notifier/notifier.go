// Package notifier provides in-process pub/sub for gate events.
//
// Subscribers receive typed events as the gate intercepts, blocks, and
// completes tool calls and as locks and the maintenance leader change. The
// bus is process-local: when the gate runs as a shared server, remote
// observers consume the same events over the server's SSE endpoint.
package notifier

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Event types that can be subscribed to.
const (
	EventIntercepted  EventType = "intercepted"
	EventBlocked      EventType = "blocked"
	EventPaused       EventType = "paused"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventLockAcquired EventType = "lock_acquired"
	EventLockReleased EventType = "lock_released"
	EventLeaderChange EventType = "leader_changed"
)

// Event is one notification.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Instance is the session the event concerns.
	Instance string `json:"instance,omitempty"`

	// ContextKey is the affected resource, when known.
	ContextKey string `json:"contextKey,omitempty"`

	// Detail is a short human-readable payload.
	Detail string `json:"detail,omitempty"`

	// At is when the event was published.
	At time.Time `json:"at"`
}

// Handler is called when an event is received. Handlers run on the
// publisher's goroutine and must not block.
type Handler func(event *Event)

// Subscription represents an active subscription.
type Subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Notifier fans events out to subscribers.
type Notifier struct {
	mu            sync.RWMutex
	subscriptions map[EventType][]*Subscription
	all           []*Subscription
	nextSubID     int64
}

// New creates a notifier.
func New() *Notifier {
	return &Notifier{
		subscriptions: make(map[EventType][]*Subscription),
	}
}

// Subscribe registers a handler for one event type.
func (n *Notifier) Subscribe(eventType EventType, handler Handler) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSubID++
	sub := &Subscription{eventType: eventType, handler: handler, id: n.nextSubID}
	n.subscriptions[eventType] = append(n.subscriptions[eventType], sub)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (n *Notifier) SubscribeAll(handler Handler) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSubID++
	sub := &Subscription{handler: handler, id: n.nextSubID}
	n.all = append(n.all, sub)
	return sub
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub.eventType == "" {
		n.all = removeSub(n.all, sub.id)
		return
	}
	n.subscriptions[sub.eventType] = removeSub(n.subscriptions[sub.eventType], sub.id)
}

func removeSub(subs []*Subscription, id int64) []*Subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers an event to all matching subscribers. A zero At field is
// filled with the current time.
func (n *Notifier) Publish(event *Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.subscriptions[event.Type])+len(n.all))
	for _, s := range n.subscriptions[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range n.all {
		handlers = append(handlers, s.handler)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
