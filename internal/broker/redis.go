package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/fleetwire/fleetchat/internal/metrics"
)

// RedisBroker implements Broker over Redis pub/sub, with channel history
// kept in capped Redis lists. It carries the exact contract of
// InMemoryBroker across process boundaries: a fleet of servers pointed at
// the same Redis behaves like one sharing an in-memory broker.
type RedisBroker struct {
	rdb   *redis.Client
	clock clockwork.Clock

	mu   sync.Mutex
	subs map[string]map[uuid.UUID]*redisSubscription
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(rdb *redis.Client, clock clockwork.Clock) *RedisBroker {
	return &RedisBroker{
		rdb:   rdb,
		clock: clock,
		subs:  make(map[string]map[uuid.UUID]*redisSubscription),
	}
}

func historyKey(channel string) string {
	return "broker:history:" + channel
}

// Publish stamps payload, appends it to the capped history list and
// publishes the envelope on the Redis channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) (Message, error) {
	msg := Message{
		ID:        uuid.New(),
		Timestamp: b.clock.Now(),
		Channel:   channel,
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("broker: marshaling envelope: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, historyKey(channel), data)
	pipe.LTrim(ctx, historyKey(channel), -HistoryCapacity, -1)
	pipe.Publish(ctx, channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("broker: publishing to %s: %w", channel, err)
	}

	metrics.BrokerPublishes.WithLabelValues(channel).Inc()
	return msg, nil
}

// Subscribe opens a Redis subscription and pumps envelopes into fn on a
// dedicated goroutine until Unsubscribe or Close.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, fn Handler) (uuid.UUID, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so a
	// publish issued right after Subscribe is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return uuid.Nil, fmt.Errorf("broker: subscribing to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	handle := uuid.New()

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uuid.UUID]*redisSubscription)
	}
	b.subs[channel][handle] = &redisSubscription{pubsub: pubsub, cancel: cancel}
	metrics.BrokerSubscribers.WithLabelValues(channel).Set(float64(len(b.subs[channel])))
	b.mu.Unlock()

	go b.pump(subCtx, channel, pubsub, fn)

	slog.Debug("Redis broker subscription added", "channel", channel, "handle", handle.String())
	return handle, nil
}

func (b *RedisBroker) pump(ctx context.Context, channel string, pubsub *redis.PubSub, fn Handler) {
	ch := pubsub.Channel()
	for {
		select {
		case raw := <-ch:
			if raw == nil {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				slog.Warn("Discarding malformed broker envelope", "channel", channel, "error", err)
				continue
			}
			fn(msg)
			metrics.BrokerDeliveries.WithLabelValues(channel).Inc()
		case <-ctx.Done():
			return
		}
	}
}

// Unsubscribe closes a subscription. Unknown handles are a no-op.
func (b *RedisBroker) Unsubscribe(channel string, handle uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel][handle]
	if !ok {
		return
	}
	delete(b.subs[channel], handle)
	metrics.BrokerSubscribers.WithLabelValues(channel).Set(float64(len(b.subs[channel])))

	sub.cancel()
	_ = sub.pubsub.Close()
}

// History returns the most recent min(limit, size) entries in publish order.
func (b *RedisBroker) History(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := b.rdb.LRange(ctx, historyKey(channel), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: reading history for %s: %w", channel, err)
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			slog.Warn("Skipping malformed history entry", "channel", channel, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Stats reports local subscriber counts and Redis-side history sizes.
func (b *RedisBroker) Stats(ctx context.Context) (map[string]ChannelStats, error) {
	b.mu.Lock()
	channels := make(map[string]int, len(b.subs))
	for name, subs := range b.subs {
		channels[name] = len(subs)
	}
	b.mu.Unlock()

	stats := make(map[string]ChannelStats, len(channels))
	for name, subscribers := range channels {
		size, err := b.rdb.LLen(ctx, historyKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: reading history size for %s: %w", name, err)
		}
		stats[name] = ChannelStats{Subscribers: subscribers, Messages: int(size)}
	}
	return stats, nil
}

// Close cancels every subscription. The Redis client itself is owned by
// the caller and stays open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subs {
		for handle, sub := range subs {
			sub.cancel()
			_ = sub.pubsub.Close()
			delete(subs, handle)
		}
		metrics.BrokerSubscribers.WithLabelValues(channel).Set(0)
	}
	return nil
}
