package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fleetwire/fleetchat/internal/metrics"
)

// channelState holds one channel's bounded history, subscriber set and
// dispatch queue. The dispatch goroutine is the only place handlers run,
// which keeps delivery off the publisher's call stack and in FIFO order.
// pending is unbounded so a slow subscriber delays delivery but never
// loses it; notifyCh just wakes the dispatcher.
type channelState struct {
	history     []Message
	subscribers map[uuid.UUID]Handler
	pending     []Message
	notifyCh    chan struct{}
}

// InMemoryBroker implements Broker for a single process. A fleet of N
// servers sharing one InMemoryBroker behaves like N processes connected
// by a networked broker with the same contract.
type InMemoryBroker struct {
	mu       sync.Mutex
	channels map[string]*channelState
	clock    clockwork.Clock
	wg       sync.WaitGroup
	done     chan struct{}
	closed   bool
}

// NewInMemoryBroker creates an empty broker.
func NewInMemoryBroker(clock clockwork.Clock) *InMemoryBroker {
	return &InMemoryBroker{
		channels: make(map[string]*channelState),
		clock:    clock,
		done:     make(chan struct{}),
	}
}

// channel returns the state for name, creating it (and its dispatcher) on
// first use. Caller must hold b.mu.
func (b *InMemoryBroker) channel(name string) *channelState {
	ch, ok := b.channels[name]
	if !ok {
		ch = &channelState{
			subscribers: make(map[uuid.UUID]Handler),
			notifyCh:    make(chan struct{}, 1),
		}
		b.channels[name] = ch
		b.wg.Add(1)
		go b.dispatch(name, ch)
	}
	return ch
}

func (b *InMemoryBroker) dispatch(name string, ch *channelState) {
	defer b.wg.Done()
	for {
		select {
		case <-ch.notifyCh:
		case <-b.done:
			return
		}

		for {
			b.mu.Lock()
			if len(ch.pending) == 0 {
				b.mu.Unlock()
				break
			}
			msg := ch.pending[0]
			ch.pending = ch.pending[1:]
			handlers := make([]Handler, 0, len(ch.subscribers))
			for _, fn := range ch.subscribers {
				handlers = append(handlers, fn)
			}
			b.mu.Unlock()

			for _, fn := range handlers {
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("Broker handler panic recovered", "channel", name, "panic", r)
						}
					}()
					fn(msg)
				}()
				metrics.BrokerDeliveries.WithLabelValues(name).Inc()
			}
		}
	}
}

// Publish stamps payload and appends it to the channel history, then
// queues it for delivery. Delivery happens on the channel's dispatcher
// goroutine, never on the publisher's stack.
func (b *InMemoryBroker) Publish(_ context.Context, channel string, payload []byte) (Message, error) {
	msg := Message{
		ID:        uuid.New(),
		Timestamp: b.clock.Now(),
		Channel:   channel,
		Payload:   payload,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrBrokerClosed
	}
	ch := b.channel(channel)
	ch.history = append(ch.history, msg)
	if len(ch.history) > HistoryCapacity {
		ch.history = ch.history[len(ch.history)-HistoryCapacity:]
	}
	ch.pending = append(ch.pending, msg)
	b.mu.Unlock()

	metrics.BrokerPublishes.WithLabelValues(channel).Inc()

	select {
	case ch.notifyCh <- struct{}{}:
	default:
	}

	return msg, nil
}

// Subscribe registers fn on channel and returns its handle.
func (b *InMemoryBroker) Subscribe(_ context.Context, channel string, fn Handler) (uuid.UUID, error) {
	handle := uuid.New()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return uuid.Nil, ErrBrokerClosed
	}
	ch := b.channel(channel)
	ch.subscribers[handle] = fn
	metrics.BrokerSubscribers.WithLabelValues(channel).Set(float64(len(ch.subscribers)))

	slog.Debug("Broker subscription added", "channel", channel, "handle", handle.String(), "subscribers", len(ch.subscribers))
	return handle, nil
}

// Unsubscribe removes a subscription. Unknown channels or handles are a no-op.
func (b *InMemoryBroker) Unsubscribe(channel string, handle uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channel]
	if !ok {
		return
	}
	if _, ok := ch.subscribers[handle]; !ok {
		return
	}
	delete(ch.subscribers, handle)
	metrics.BrokerSubscribers.WithLabelValues(channel).Set(float64(len(ch.subscribers)))
	slog.Debug("Broker subscription removed", "channel", channel, "handle", handle.String())
}

// History returns the most recent min(limit, size) entries in publish order.
func (b *InMemoryBroker) History(_ context.Context, channel string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channel]
	if !ok || limit <= 0 {
		return nil, nil
	}

	start := 0
	if len(ch.history) > limit {
		start = len(ch.history) - limit
	}
	out := make([]Message, len(ch.history)-start)
	copy(out, ch.history[start:])
	return out, nil
}

// Stats reports per-channel subscriber and history counts.
func (b *InMemoryBroker) Stats(_ context.Context) (map[string]ChannelStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[string]ChannelStats, len(b.channels))
	for name, ch := range b.channels {
		stats[name] = ChannelStats{
			Subscribers: len(ch.subscribers),
			Messages:    len(ch.history),
		}
	}
	return stats, nil
}

// Close stops all dispatchers. Deliveries still queued are dropped.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
