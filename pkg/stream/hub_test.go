package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	evt := NewEvent(TypeScore, map[string]float64{"score": 1})
	if evt.Type != TypeScore || evt.ID == "" || evt.At.IsZero() {
		t.Fatalf("unexpected event %+v", evt)
	}
	var payload map[string]float64
	if err := json.Unmarshal(evt.Data, &payload); err != nil || payload["score"] != 1 {
		t.Fatalf("unexpected payload %s: %v", evt.Data, err)
	}
	if other := NewEvent(TypeScore, nil); other.ID == evt.ID || other.Data != nil {
		t.Fatalf("expected a fresh id and no data, got %+v", other)
	}
}

func TestPublishAndUnsubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(1)
	if n := h.Publish(NewEvent(TypeEpoch, nil)); n != 2 {
		t.Fatalf("expected delivery to 2 subscribers, got %d", n)
	}
	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != TypeEpoch {
				t.Fatalf("expected epoch event, got %q", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", h.Subscribers())
	}
	if _, open := <-a; open {
		t.Fatal("expected unsubscribed channel to be closed")
	}
	h.Unsubscribe(b)
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	if n := h.Publish(NewEvent("second", nil)); n != 0 {
		t.Fatalf("expected full subscriber to be skipped, got %d deliveries", n)
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", h.Dropped())
	}
	if evt := <-ch; evt.Type != "first" {
		t.Fatalf("expected first event to stay buffered, got %q", evt.Type)
	}
	if cap(h.Subscribe(0)) != 32 {
		t.Fatal("expected default buffer of 32")
	}
}
