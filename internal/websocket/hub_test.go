package websocket

import (
	"testing"
	"time"
)

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := &Client{
		ID:   "client-1",
		Send: make(chan *Message, 4),
		Hub:  hub,
	}

	hub.registerClient(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	hub.unregisterClient(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestHubFanOutReachesAllClients(t *testing.T) {
	hub := NewHub()
	a := &Client{ID: "a", Send: make(chan *Message, 4), Hub: hub}
	b := &Client{ID: "b", Send: make(chan *Message, 4), Hub: hub}
	hub.registerClient(a)
	hub.registerClient(b)

	hub.fanOut(&Message{Type: "console", Payload: "hello", Timestamp: time.Now()})

	for _, c := range []*Client{a, b} {
		select {
		case received := <-c.Send:
			if received.Type != "console" {
				t.Fatalf("client %s got %q", c.ID, received.Type)
			}
		default:
			t.Fatalf("client %s received nothing", c.ID)
		}
	}
}

func TestHubReplaysLastStatusToNewClient(t *testing.T) {
	hub := NewHub()
	hub.fanOut(&Message{Type: "status", Payload: "online", Timestamp: time.Now()})

	late := &Client{ID: "late", Send: make(chan *Message, 4), Hub: hub}
	hub.registerClient(late)

	select {
	case received := <-late.Send:
		if received.Type != "status" || received.Payload != "online" {
			t.Fatalf("replayed message = %+v", received)
		}
	default:
		t.Fatal("late client did not receive the last status")
	}
}

func TestHubDropsWhenClientQueueFull(t *testing.T) {
	hub := NewHub()
	slow := &Client{ID: "slow", Send: make(chan *Message, 1), Hub: hub}
	hub.registerClient(slow)

	hub.fanOut(&Message{Type: "console", Payload: "1"})
	hub.fanOut(&Message{Type: "console", Payload: "2"})

	if got := len(slow.Send); got != 1 {
		t.Fatalf("queued = %d, want 1 with overflow dropped", got)
	}
}
