package convsync

import (
	"sync"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Realtime channel contract
// ============================================================================

// RealtimeChannel delivers newly created messages as the server pushes them.
// Delivery is at-least-once and carries no ordering relative to snapshots, so
// consumers dedupe by message ID.
type RealtimeChannel interface {
	Subscribe(onMessage func(Message)) Subscription
}

// StatusChannel is implemented by realtime channels that also push
// conversation status changes.
type StatusChannel interface {
	SubscribeStatus(onStatus func(StatusEvent)) Subscription
}

// Subscription releases a listener. Unsubscribe may be called any number of
// times.
type Subscription interface {
	Unsubscribe()
}

// EventSink receives decoded realtime events from a transport.
type EventSink interface {
	Publish(m Message)
	PublishStatus(ev StatusEvent)
}

// ============================================================================
// Hub
// ============================================================================

// Hub fans realtime events out to subscribers. Transports publish into it and
// the Engine subscribes to it.
type Hub struct {
	mu         sync.RWMutex
	msgSubs    map[string]func(Message)
	statusSubs map[string]func(StatusEvent)
}

// NewHub creates a Hub without subscribers.
func NewHub() *Hub {
	return &Hub{
		msgSubs:    make(map[string]func(Message)),
		statusSubs: make(map[string]func(StatusEvent)),
	}
}

type hubSubscription struct {
	once   sync.Once
	remove func()
}

func (s *hubSubscription) Unsubscribe() { s.once.Do(s.remove) }

func (h *Hub) Subscribe(onMessage func(Message)) Subscription {
	id := uuid.NewString()
	h.mu.Lock()
	h.msgSubs[id] = onMessage
	h.mu.Unlock()
	return &hubSubscription{remove: func() {
		h.mu.Lock()
		delete(h.msgSubs, id)
		h.mu.Unlock()
	}}
}

func (h *Hub) SubscribeStatus(onStatus func(StatusEvent)) Subscription {
	id := uuid.NewString()
	h.mu.Lock()
	h.statusSubs[id] = onStatus
	h.mu.Unlock()
	return &hubSubscription{remove: func() {
		h.mu.Lock()
		delete(h.statusSubs, id)
		h.mu.Unlock()
	}}
}

// Publish delivers m to every message subscriber.
func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	handlers := make([]func(Message), 0, len(h.msgSubs))
	for _, fn := range h.msgSubs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		safeCall(func() { fn(m) })
	}
}

// PublishStatus delivers ev to every status subscriber.
func (h *Hub) PublishStatus(ev StatusEvent) {
	h.mu.RLock()
	handlers := make([]func(StatusEvent), 0, len(h.statusSubs))
	for _, fn := range h.statusSubs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		safeCall(func() { fn(ev) })
	}
}

// Subscribers returns the number of live message subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgSubs)
}

// safeCall swallows panics in subscriber callbacks.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("[convsync hub] subscriber panicked: %v", r)
		}
	}()
	fn()
}
