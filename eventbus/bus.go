// Package eventbus is the cross-cutting pub/sub layer the pipeline uses
// to emit ApiConnected/ApiDisconnected/BlockTarget/BlockBest/
// DynamicDsCreated/Reindex/BlockSkipped notifications (§2, §4.2, §4.6)
// without any component holding a process-level global.
// Grounded on events/bus.go's channel-based, non-blocking-delivery design
// with per-subscriber stats; simplified from one Event interface per kind
// to a single concrete Event struct, since this engine's event surface
// (seven notification kinds) is far smaller than a multichain indexer's
// log/tx/block firehose.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies one of the engine's notification kinds.
type EventType string

const (
	EventApiConnected    EventType = "ApiConnected"
	EventApiDisconnected EventType = "ApiDisconnected"
	EventBlockTarget     EventType = "BlockTarget"
	EventBlockBest       EventType = "BlockBest"
	EventDynamicDSCreated EventType = "DynamicDsCreated"
	EventReindex         EventType = "Reindex"
	EventBlockSkipped    EventType = "BlockSkipped"
)

// Event is a single notification carrying a free-form payload.
type Event struct {
	Type      EventType
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// SubscriptionID names a subscriber for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	types    map[EventType]bool
	channel  chan Event
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Bus is the central in-process message broker. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[SubscriptionID]*subscription)}
}

// Subscribe registers a subscriber interested in the given event types
// (empty means all types) and returns a channel of matching events,
// buffered to channelSize. Delivery is non-blocking: if the channel is
// full, the event is dropped and counted rather than blocking the
// publisher.
func (b *Bus) Subscribe(id SubscriptionID, types []EventType, channelSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &subscription{id: id, types: typeSet, channel: make(chan Event, channelSize)}
	b.subscribers[id] = sub
	return sub.channel
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.channel)
		delete(b.subscribers, id)
	}
}

// Publish broadcasts evt to every subscriber interested in its type
// (or all types, for subscribers with an empty type set).
func (b *Bus) Publish(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.types) > 0 && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.channel <- evt:
			sub.received.Add(1)
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Stats returns bus-wide publish/delivery/drop counters.
func (b *Bus) Stats() (published, delivered, dropped uint64) {
	return b.published.Load(), b.delivered.Load(), b.dropped.Load()
}

// Close unsubscribes and closes every subscriber's channel. Intended for
// graceful shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.channel)
		delete(b.subscribers, id)
	}
}
