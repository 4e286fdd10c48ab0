package stream

import (
	"encoding/json"
	"testing"
	"time"

	"contain/pkg/models"
)

func TestNewEventCarriesPayload(t *testing.T) {
	t.Parallel()

	evt := NewEvent("decision.pending", models.DecisionEvent{TabID: "tab1", KeyDomain: "svc.example.net"})
	if evt.Type != "decision.pending" {
		t.Fatalf("expected type decision.pending, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload models.DecisionEvent
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TabID != "tab1" || payload.KeyDomain != "svc.example.net" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("a", nil))
	h.Publish(NewEvent("b", nil)) // dropped, buffer full

	select {
	case evt := <-ch:
		if evt.Type != "a" {
			t.Fatalf("expected first event, got %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected buffered event")
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected second event dropped, got %q", evt.Type)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Subscribers())
	}
	h.Unsubscribe(ch)
	h.Unsubscribe(ch) // closing twice would panic; must be guarded
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
	h.Publish(NewEvent("after", nil))
}
