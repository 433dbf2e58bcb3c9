package events

import (
	"encoding/json"
	"sync"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind starts losing events rather than stalling the
// publisher.
const subscriberBuffer = 16

// EventHub fans session events out to SSE, WebSocket, and MQTT
// subscribers. A nil hub discards everything published to it.
type EventHub struct {
	mu     sync.RWMutex
	closed bool
	subs   map[chan Event]struct{}
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]struct{})} }

// Subscribe registers a new subscriber channel. The channel is closed by
// Unsubscribe or Close.
func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Close drops every subscriber. Publishing after Close is a no-op.
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish marshals payload and delivers it to every subscriber that has
// room. Slow subscribers lose events; they never block the caller.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Event{Name: name, Data: b}
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.RUnlock()
}
