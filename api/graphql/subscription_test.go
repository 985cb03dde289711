package graphql

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/eventbus"
)

func TestSubscriptionServer_HandlerWithoutBus(t *testing.T) {
	server := NewSubscriptionServer(nil, &mockProvider{}, zap.NewNop(), false)

	req := httptest.NewRequest("GET", "/graphql/ws", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestSubscriptionServer_ConnectionHandshakeAndPing(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	provider := &mockProvider{snapshot: Snapshot{LatestProcessedHeight: 1}}
	server := NewSubscriptionServer(bus, provider, zap.NewNop(), false)
	ts := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("failed to send init: %v", err)
	}

	var ackMsg wsMessage
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&ackMsg); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if ackMsg.Type != "connection_ack" {
		t.Errorf("expected connection_ack, got %s", ackMsg.Type)
	}

	if err := conn.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	var pongMsg wsMessage
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&pongMsg); err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if pongMsg.Type != "pong" {
		t.Errorf("expected pong, got %s", pongMsg.Type)
	}
}

func TestSubscriptionServer_EngineStatusPushedOnEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	provider := &mockProvider{snapshot: Snapshot{LatestProcessedHeight: 42}}
	server := NewSubscriptionServer(bus, provider, zap.NewNop(), false)
	ts := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(wsMessage{Type: "connection_init"})
	var ack wsMessage
	conn.SetReadDeadline(time.Now().Add(time.Second))
	conn.ReadJSON(&ack)

	subMsg := wsMessage{ID: "1", Type: "subscribe"}
	if err := conn.WriteJSON(subMsg); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.EventBlockBest})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received wsMessage
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to receive pushed status: %v", err)
	}
	if received.Type != "next" || received.ID != "1" {
		t.Errorf("expected next/1, got %s/%s", received.Type, received.ID)
	}
	if !strings.Contains(string(received.Payload), "42") {
		t.Errorf("expected payload to carry latestProcessedHeight, got %s", received.Payload)
	}
}

func TestSubscriptionServer_SubscribeWithoutBusErrors(t *testing.T) {
	server := NewSubscriptionServer(nil, &mockProvider{}, zap.NewNop(), false)
	ts := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(wsMessage{ID: "1", Type: "subscribe"})

	var msg wsMessage
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read error: %v", err)
	}
	if msg.Type != "error" {
		t.Errorf("expected error, got %s", msg.Type)
	}
}
