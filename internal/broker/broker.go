// Package broker provides channel-based publish/subscribe with bounded
// per-channel history. The same contract backs both in-process decoupling
// and fleet-wide replication: InMemoryBroker serves a single process (or a
// co-located fleet simulation), RedisBroker carries the identical contract
// over Redis for real multi-process fleets.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBrokerClosed is returned for operations on a closed broker.
var ErrBrokerClosed = errors.New("broker: closed")

// HistoryCapacity is the per-channel history bound. Oldest entries are
// evicted first once the cap is exceeded.
const HistoryCapacity = 100

// Message is a published payload with the two broker-assigned fields,
// stamped at publish time and never mutated afterward.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Payload   []byte    `json:"payload"`
}

// Handler receives messages published on a subscribed channel. Handlers
// run decoupled from the publisher's call stack, so a handler may itself
// publish without recursion.
type Handler func(msg Message)

// ChannelStats summarizes one channel.
type ChannelStats struct {
	Subscribers int `json:"subscribers"`
	Messages    int `json:"messages"`
}

// Broker is the publish/subscribe contract.
type Broker interface {
	// Publish stamps payload with an id and timestamp, appends it to the
	// channel history and schedules delivery to current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) (Message, error)

	// Subscribe registers a handler and returns its subscription handle.
	Subscribe(ctx context.Context, channel string, fn Handler) (uuid.UUID, error)

	// Unsubscribe removes a subscription. Unknown handles are a no-op.
	Unsubscribe(channel string, handle uuid.UUID)

	// History returns the most recent min(limit, size) entries in publish order.
	History(ctx context.Context, channel string, limit int) ([]Message, error)

	// Stats reports per-channel subscriber and history counts.
	Stats(ctx context.Context) (map[string]ChannelStats, error)

	// Close releases broker resources and stops delivery.
	Close() error
}
