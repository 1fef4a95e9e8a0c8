package gateway

import "sync"

// Event is one gating event pushed to connected chat sockets.
type Event struct {
	Name string
	Data map[string]any
}

// Hub fans gating events out to every connected socket. It satisfies the
// interceptor's emitter contract, so approval requests raised mid-turn
// reach the socket that will answer them.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Emit delivers an event to every subscriber. Slow subscribers drop
// events rather than block the gating pipeline.
func (h *Hub) Emit(event string, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- Event{Name: event, Data: data}:
		default:
		}
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Subscribers reports the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
