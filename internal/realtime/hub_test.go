package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventOffer, Kind: "offer.received", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventOffer, EventEscrow},
	}}

	offerEvent := &Event{Type: EventOffer, Kind: "offer.accepted"}
	escrowEvent := &Event{Type: EventEscrow, Kind: "escrow.released"}
	paymentEvent := &Event{Type: EventPayment, Kind: "payment.success"}

	if !h.shouldSend(client, offerEvent) {
		t.Error("should receive offer events")
	}
	if !h.shouldSend(client, escrowEvent) {
		t.Error("should receive escrow events")
	}
	if h.shouldSend(client, paymentEvent) {
		t.Error("should NOT receive payment events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{UserIDs: []string{"alice"}}}

	if !h.shouldSend(client, &Event{Type: EventOffer, UserID: "alice"}) {
		t.Error("should match watched user")
	}
	if h.shouldSend(client, &Event{Type: EventOffer, UserID: "bob"}) {
		t.Error("should NOT match other users")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventEscrow},
		UserIDs:    []string{"alice"},
	}}

	if !h.shouldSend(client, &Event{Type: EventEscrow, UserID: "alice"}) {
		t.Error("should match type AND user")
	}
	if h.shouldSend(client, &Event{Type: EventEscrow, UserID: "bob"}) {
		t.Error("wrong user should not match")
	}
	if h.shouldSend(client, &Event{Type: EventOffer, UserID: "alice"}) {
		t.Error("wrong type should not match")
	}
}

func TestTypeForKind(t *testing.T) {
	tests := []struct {
		kind string
		want EventType
	}{
		{"offer.received", EventOffer},
		{"offer.countered", EventOffer},
		{"escrow.funded", EventEscrow},
		{"payment.success", EventPayment},
		{"wallet.credited", EventWallet},
		{"unknownkind", EventWallet},
	}
	for _, tt := range tests {
		if got := typeForKind(tt.kind); got != tt.want {
			t.Errorf("typeForKind(%q) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestHub_PublishReachesSubscribedClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.Publish("alice", "escrow.released", map[string]any{"escrowId": "esc_1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// Send buffer of zero: the first broadcast cannot be queued.
	client := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.Publish("alice", "offer.received", nil)

	deadline := time.After(2 * time.Second)
	for {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow client was never dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHub_Stats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- client

	deadline := time.After(2 * time.Second)
	for {
		stats := h.Stats()
		if stats["connectedClients"].(int) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
