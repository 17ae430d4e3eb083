package server

import (
	"sync"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/telemetry"
)

const subscriberBuffer = 64

// Hub fans live chat messages out to stream subscribers. Slow subscribers
// miss messages rather than stall the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan chat.ChatMessage]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan chat.ChatMessage]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan chat.ChatMessage, func()) {
	ch := make(chan chat.ChatMessage, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber.
func (h *Hub) Publish(msg chat.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			telemetry.Inc(telemetry.EventsDropped, "stream")
		}
	}
}

// Len returns the subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
