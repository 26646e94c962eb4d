package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zigbee-toolkit/internal/coordinator"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func testEvent(typ string) coordinator.Event {
	return coordinator.Event{Type: typ, Data: map[string]string{"ieee": "00:15:8d:00:01:2a:3b:4c"}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	// Give hub time to process
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client

	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(testEvent("test"))
	time.Sleep(10 * time.Millisecond)

	select {
	case msg := <-c1.send:
		var m wsMessage
		if err := json.Unmarshal(msg, &m); err != nil || m.Type != "test" {
			t.Errorf("c1 received %s (%v)", msg, err)
		}
	default:
		t.Error("c1 did not receive broadcast")
	}

	select {
	case msg := <-c2.send:
		if len(msg) == 0 {
			t.Error("c2 received empty message")
		}
	default:
		t.Error("c2 did not receive broadcast")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Create a client with a tiny buffer that will fill up
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// Fill slow client's buffer
	hub.Broadcast(testEvent("msg1"))
	time.Sleep(10 * time.Millisecond)

	// Second message should evict the slow client (buffer full, can't receive)
	hub.Broadcast(testEvent("msg2"))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Fill the broadcast channel
	for i := 0; i < 256; i++ {
		hub.Broadcast(testEvent("fill"))
	}

	// This should not block; it should drop
	done := make(chan struct{})
	go func() {
		hub.Broadcast(testEvent("overflow"))
		close(done)
	}()

	select {
	case <-done:
		// Good, didn't block
	case <-time.After(1 * time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	// First stop
	hub.Stop()

	// Second stop should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	// send channel should be closed
	_, ok := <-client.send
	if ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Unregistering a client that was never registered should not panic
	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	// Channel should NOT be closed since client was never registered
	select {
	case unknown.send <- []byte("test"):
		// Good, channel still open
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSHubTypeFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	joins := &wsClient{send: make(chan []byte, 16)}
	joins.setTypes([]string{coordinator.EventDeviceJoined})
	all := &wsClient{send: make(chan []byte, 16)}
	all.setTypes([]string{"*"})

	hub.register <- joins
	hub.register <- all
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(testEvent(coordinator.EventAttributeReport))
	hub.Broadcast(testEvent(coordinator.EventDeviceJoined))
	time.Sleep(10 * time.Millisecond)

	if n := len(joins.send); n != 1 {
		t.Errorf("filtered client got %d messages, want 1", n)
	}
	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
}

func TestWSStreamsEvents(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("k"))
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?api_key=k&types=command_executed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the client before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.wsHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.coord.Events().Emit(testEvent(coordinator.EventDeviceJoined))
	env.do(t, "POST", "/api/execute", `{"id":"ws-1","command":"echo"}`, "X-API-Key", "k")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
		Data struct {
			ID      string `json:"id"`
			Success bool   `json:"success"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "command_executed" || msg.Data.ID != "ws-1" || !msg.Data.Success {
		t.Errorf("message = %s", data)
	}
}

func TestWSRequiresKey(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("k"))
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err == nil {
		t.Fatal("dial without key succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v", resp)
	}
}
