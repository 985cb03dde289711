package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server upgrades HTTP connections to WebSocket and forwards every event
// published on the engine's bus to subscribed clients.
type Server struct {
	hub    *Hub
	bus    *eventbus.Bus
	subID  eventbus.SubscriptionID
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewServer starts a Hub and, if bus is non-nil, a forwarder goroutine that
// republishes every bus event to subscribed clients.
func NewServer(logger *zap.Logger, bus *eventbus.Bus) *Server {
	hub := NewHub(logger)
	go hub.Run()

	s := &Server{hub: hub, bus: bus, logger: logger}

	if bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.subID = eventbus.SubscriptionID("websocket-server")
		ch := bus.Subscribe(s.subID, nil, 256)
		go s.forward(ctx, ch)
	}

	return s
}

func (s *Server) forward(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast(SubscriptionType(evt.Type), evt.Payload)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// a new Client with the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn, s.logger)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	s.logger.Info("new websocket connection", zap.String("remote_addr", r.RemoteAddr))
}

// Hub returns the underlying hub, useful for direct broadcasts in tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop closes all client connections and the bus forwarder, if any.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.bus.Unsubscribe(s.subID)
	}
	s.hub.Stop()
}
