package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/parashield-protocol/parashield/internal/claims"
	"github.com/parashield-protocol/parashield/internal/peril"
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

	event := &Event{Type: EventSignalDetected, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSignalDetected, EventClaimSettled},
	}}

	signalEvent := &Event{Type: EventSignalDetected}
	settledEvent := &Event{Type: EventClaimSettled}
	policyEvent := &Event{Type: EventPolicyCreated}

	if !h.shouldSend(client, signalEvent) {
		t.Error("Should receive signal_detected events")
	}
	if !h.shouldSend(client, settledEvent) {
		t.Error("Should receive claim_settled events")
	}
	if h.shouldSend(client, policyEvent) {
		t.Error("Should NOT receive policy_created events")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Kinds: []string{"exploit"},
	}}

	matching := &Event{
		Type: EventSignalDetected,
		Data: map[string]interface{}{"kind": "exploit", "target": "0xc"},
	}
	notMatching := &Event{
		Type: EventSignalDetected,
		Data: map[string]interface{}{"kind": "depeg", "asset": "0xs"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on kind")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other kinds")
	}
}

func TestShouldSend_TargetFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Targets: []string{"0xtarget1"},
	}}

	matchingTarget := &Event{
		Type: EventClaimDispatched,
		Data: map[string]interface{}{"target": "0xtarget1"},
	}
	matchingAsset := &Event{
		Type: EventClaimDispatched,
		Data: map[string]interface{}{"target": "", "asset": "0xtarget1"},
	}
	notMatching := &Event{
		Type: EventClaimDispatched,
		Data: map[string]interface{}{"target": "0xother", "asset": "0xanother"},
	}

	if !h.shouldSend(client, matchingTarget) {
		t.Error("Should match on target address")
	}
	if !h.shouldSend(client, matchingAsset) {
		t.Error("Should match on asset address")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated targets")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventSignalDetected}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Targets: []string{"0xtarget1"},
	}}

	// Event with non-map data should not crash; the filter can't extract
	// addresses, so the event is dropped for a target-filtered client.
	event := &Event{
		Type: EventSignalDetected,
		Data: "string data not a map",
	}

	if h.shouldSend(client, event) {
		t.Error("Target-filtered client should not receive events without addresses")
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

	h.Broadcast(&Event{Type: EventSignalDetected, Timestamp: time.Now()})
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

func TestHub_BroadcastToClient(t *testing.T) {
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

	h.ClaimDispatched(&peril.RiskSignal{
		ID:     "sig_1",
		Kind:   peril.KindExploit,
		Target: "0xc",
	}, 3)

	select {
	case msg := <-client.send:
		var event struct {
			Type EventType              `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if event.Type != EventClaimDispatched {
			t.Errorf("event type = %s", event.Type)
		}
		if event.Data["policiesClaimed"].(float64) != 3 {
			t.Errorf("policiesClaimed = %v", event.Data["policiesClaimed"])
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PolicyLifecycleEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic with no clients connected.
	p := &claims.Policy{ID: 7, Holder: "0xh", Kind: peril.KindDepeg, Asset: "0xs", CoverAmount: "1000"}
	h.PolicyCreated(p)
	h.ClaimSettled(p)
	h.SignalDetected(&peril.RiskSignal{ID: "sig_1", Kind: peril.KindDepeg, Asset: "0xs"})
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

	// Client only wants settlements
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventClaimSettled}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a signal event (should be filtered out)
	h.Broadcast(&Event{Type: EventSignalDetected, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive signal event")
	default:
		// Good - filtered out
	}

	// Send a settlement event (should be received)
	h.Broadcast(&Event{Type: EventClaimSettled, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive settlement event")
	}
}
