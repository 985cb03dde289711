package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// SubscriptionServer serves the graphql-transport-ws protocol over
// WebSocket. It supports a single subscription field, engineStatus, pushed
// once per bus event rather than per user-defined query — the admin
// surface has exactly one thing worth subscribing to.
type SubscriptionServer struct {
	bus             *eventbus.Bus
	provider        StatusProvider
	logger          *zap.Logger
	upgrader        websocket.Upgrader
	enableKeepAlive bool
}

// NewSubscriptionServer creates a new subscription server.
func NewSubscriptionServer(bus *eventbus.Bus, provider StatusProvider, logger *zap.Logger, enableKeepAlive bool) *SubscriptionServer {
	return &SubscriptionServer{
		bus:             bus,
		provider:        provider,
		logger:          logger,
		enableKeepAlive: enableKeepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"graphql-transport-ws", "graphql-ws"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles WebSocket connections for GraphQL subscriptions
func (s *SubscriptionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &subscriptionClient{
		server:          s,
		conn:            conn,
		send:            make(chan []byte, 256),
		subscriptions:   make(map[string]context.CancelFunc),
		logger:          s.logger,
		ctx:             ctx,
		cancel:          cancel,
		enableKeepAlive: s.enableKeepAlive,
	}

	go client.writePump()
	go client.readPump()
}

type subscriptionClient struct {
	server          *SubscriptionServer
	conn            *websocket.Conn
	send            chan []byte
	subscriptions   map[string]context.CancelFunc
	mu              sync.RWMutex
	logger          *zap.Logger
	ctx             context.Context
	cancel          context.CancelFunc
	enableKeepAlive bool
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *subscriptionClient) readPump() {
	defer func() {
		c.cleanup()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *subscriptionClient) writePump() {
	var ticker *time.Ticker
	if c.enableKeepAlive {
		ticker = time.NewTicker(pingPeriod)
	}

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.conn.Close()
	}()

	tick := func() <-chan time.Time {
		if c.enableKeepAlive && ticker != nil {
			return ticker.C
		}
		return nil
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-tick():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *subscriptionClient) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "connection_init":
		c.sendMessage(wsMessage{Type: "connection_ack"})

	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)

	case "complete":
		c.handleComplete(msg.ID)

	case "ping":
		c.sendMessage(wsMessage{Type: "pong"})

	default:
		c.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

type subscribePayload struct {
	Query string `json:"query"`
}

// handleSubscribe starts forwarding engineStatus snapshots to the client.
// Every operation this server accepts resolves to the same field, so the
// query text itself is not inspected.
func (c *subscriptionClient) handleSubscribe(id string, payload json.RawMessage) {
	if c.server.bus == nil {
		c.sendError(id, "event bus not available")
		return
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[id]; exists {
		c.mu.Unlock()
		c.sendError(id, "subscription id already in use")
		return
	}
	subCtx, subCancel := context.WithCancel(c.ctx)
	c.subscriptions[id] = subCancel
	c.mu.Unlock()

	subID := eventbus.SubscriptionID("graphql-sub-" + id)
	ch := c.server.bus.Subscribe(subID, nil, 32)

	go func() {
		defer c.server.bus.Unsubscribe(subID)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.sendNext(id, c.server.provider.Status().toMap())
			}
		}
	}()
}

func (c *subscriptionClient) handleComplete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subscriptions[id]; ok {
		cancel()
		delete(c.subscriptions, id)
	}
}

func (c *subscriptionClient) sendMessage(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message", zap.String("type", msg.Type))
	}
}

func (c *subscriptionClient) sendNext(id string, data map[string]interface{}) {
	payload, _ := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"engineStatus": data},
	})
	c.sendMessage(wsMessage{ID: id, Type: "next", Payload: payload})
}

func (c *subscriptionClient) sendError(id string, errMsg string) {
	payload, _ := json.Marshal([]map[string]string{{"message": errMsg}})
	c.sendMessage(wsMessage{ID: id, Type: "error", Payload: payload})
}

func (c *subscriptionClient) cleanup() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.subscriptions {
		cancel()
	}
	c.subscriptions = make(map[string]context.CancelFunc)
	close(c.send)
}

// Handler returns a handler that checks for bus availability before
// upgrading the connection.
func (s *SubscriptionServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil {
			http.Error(w, "subscriptions not available", http.StatusServiceUnavailable)
			return
		}
		s.ServeHTTP(w, r)
	}
}
