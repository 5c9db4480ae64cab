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

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "settlement.prepared", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"settlement.executed", "settlement.failed"},
	}}

	executed := &Event{Type: "settlement.executed"}
	failed := &Event{Type: "settlement.failed"}
	prepared := &Event{Type: "settlement.prepared"}

	if !h.shouldSend(client, executed) {
		t.Error("Should receive executed events")
	}
	if !h.shouldSend(client, failed) {
		t.Error("Should receive failed events")
	}
	if h.shouldSend(client, prepared) {
		t.Error("Should NOT receive prepared events")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SessionIDs: []string{"sess-1"},
	}}

	matching := &Event{Type: "settlement.executed", SessionID: "sess-1"}
	other := &Event{Type: "settlement.executed", SessionID: "sess-2"}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on session id")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match a different session")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"settlement.executed"},
		SessionIDs: []string{"sess-1"},
	}}

	both := &Event{Type: "settlement.executed", SessionID: "sess-1"}
	wrongType := &Event{Type: "settlement.prepared", SessionID: "sess-1"}
	wrongSession := &Event{Type: "settlement.executed", SessionID: "sess-2"}

	if !h.shouldSend(client, both) {
		t.Error("Should receive event matching both filters")
	}
	if h.shouldSend(client, wrongType) {
		t.Error("Should NOT receive wrong event type")
	}
	if h.shouldSend(client, wrongSession) {
		t.Error("Should NOT receive wrong session")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "settlement.prepared"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: "settlement.prepared", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishReachesClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{SessionIDs: []string{"sess-1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish("settlement.executed", "sess-1", map[string]interface{}{
		"requestId": "req_1",
		"txHash":    "0xabc",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for published event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants terminal events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"settlement.executed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a prepared event (should be filtered out)
	h.Broadcast(&Event{Type: "settlement.prepared", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive prepared event")
	default:
		// Good - filtered out
	}

	// Send an executed event (should be received)
	h.Broadcast(&Event{Type: "settlement.executed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive executed event")
	}
}
