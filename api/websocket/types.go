package websocket

import (
	"encoding/json"

	"github.com/nearindex/indexer-core/eventbus"
)

// SubscriptionType is the wire name a client subscribes/unsubscribes by. It
// mirrors eventbus.EventType one-to-one so the hub can forward bus events
// straight through without a translation table.
type SubscriptionType string

const (
	SubscribeBlockTarget      SubscriptionType = SubscriptionType(eventbus.EventBlockTarget)
	SubscribeBlockBest        SubscriptionType = SubscriptionType(eventbus.EventBlockBest)
	SubscribeBlockSkipped     SubscriptionType = SubscriptionType(eventbus.EventBlockSkipped)
	SubscribeDynamicDSCreated SubscriptionType = SubscriptionType(eventbus.EventDynamicDSCreated)
	SubscribeReindex          SubscriptionType = SubscriptionType(eventbus.EventReindex)
	SubscribeApiConnected     SubscriptionType = SubscriptionType(eventbus.EventApiConnected)
	SubscribeApiDisconnected  SubscriptionType = SubscriptionType(eventbus.EventApiDisconnected)
)

// validSubscriptions lists the event types a client may subscribe to.
var validSubscriptions = map[SubscriptionType]bool{
	SubscribeBlockTarget:      true,
	SubscribeBlockBest:        true,
	SubscribeBlockSkipped:     true,
	SubscribeDynamicDSCreated: true,
	SubscribeReindex:          true,
	SubscribeApiConnected:     true,
	SubscribeApiDisconnected:  true,
}

// Message is the envelope for every frame exchanged over the connection.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest asks the hub to forward a given event type to this client.
type SubscribeRequest struct {
	Type SubscriptionType `json:"type"`
}

// UnsubscribeRequest withdraws a prior SubscribeRequest.
type UnsubscribeRequest struct {
	Type SubscriptionType `json:"type"`
}

// Event is a single pushed notification, mirroring an eventbus.Event.
type Event struct {
	Type SubscriptionType `json:"type"`
	Data interface{}      `json:"data"`
}

// ErrorMessage reports a malformed or rejected client request.
type ErrorMessage struct {
	Error string `json:"error"`
}

// SuccessMessage acknowledges a subscribe/unsubscribe request.
type SuccessMessage struct {
	Message string `json:"message"`
}
