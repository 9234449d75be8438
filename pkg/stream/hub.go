// Package stream fans validator events out to in-process subscribers such
// as the admin websocket.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeEpoch = "epoch"
	TypeScore = "score"
	TypeVote  = "vote"
	TypeSync  = "sync"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{ID: uuid.NewString(), Type: eventType, At: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Hub delivers without blocking: a subscriber whose buffer is full misses
// the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. Calling it twice is harmless.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish returns how many subscribers received evt.
func (h *Hub) Publish(evt Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- evt:
			delivered++
		default:
			h.dropped++
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
