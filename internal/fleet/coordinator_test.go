package fleet

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetchat/internal/broker"
)

func newTestCoordinator(t *testing.T, clock clockwork.Clock) (*Coordinator, broker.Broker) {
	t.Helper()
	b := broker.NewInMemoryBroker(clock)
	t.Cleanup(func() { _ = b.Close() })
	return NewCoordinator(b, clock), b
}

func TestLeastLoadedServerPicksLowestRatio(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "server-b", 8082, 10, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "server-c", 8083, 10, nil))

	c.Heartbeat("server-a", 9)
	c.Heartbeat("server-b", 2)
	c.Heartbeat("server-c", 1)

	// server-c goes stale: its heartbeat ages past the threshold while
	// a and b refresh.
	clock.Advance(StalenessThreshold + time.Second)
	c.Heartbeat("server-a", 9)
	c.Heartbeat("server-b", 2)

	target, ok := c.LeastLoadedServer()
	require.True(t, ok)
	assert.Equal(t, "server-b", target.ID)
}

func TestLeastLoadedServerRatioBeatsAbsoluteCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	// 50/1000 = 5% load beats 3/10 = 30% despite more connections.
	require.NoError(t, c.RegisterServer(context.Background(), "big", 8081, 1000, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "small", 8082, 10, nil))
	c.Heartbeat("big", 50)
	c.Heartbeat("small", 3)

	target, ok := c.LeastLoadedServer()
	require.True(t, ok)
	assert.Equal(t, "big", target.ID)
}

func TestLeastLoadedServerTieBreaksByID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "server-b", 8082, 10, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))
	c.Heartbeat("server-a", 5)
	c.Heartbeat("server-b", 5)

	target, ok := c.LeastLoadedServer()
	require.True(t, ok)
	assert.Equal(t, "server-a", target.ID)
}

func TestLeastLoadedServerExcludesFullAndInactive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "full", 8081, 5, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "stopped", 8082, 100, nil))
	c.Heartbeat("full", 5)
	c.Deactivate("stopped")

	_, ok := c.LeastLoadedServer()
	assert.False(t, ok)
}

func TestLeastLoadedServerEmptyFleet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	_, ok := c.LeastLoadedServer()
	assert.False(t, ok)
}

func TestBroadcastSkipsOwnEcho(t *testing.T) {
	clock := clockwork.NewRealClock()
	c, _ := newTestCoordinator(t, clock)

	var mu sync.Mutex
	received := map[string][]string{}
	relayFor := func(id string) RelayFunc {
		return func(origin string, payload json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			received[id] = append(received[id], origin)
		}
	}

	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, relayFor("server-a")))
	require.NoError(t, c.RegisterServer(context.Background(), "server-b", 8082, 10, relayFor("server-b")))

	require.NoError(t, c.BroadcastToFleet(context.Background(), "server-a", []byte(`{"type":"chat"}`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["server-b"]) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"server-a"}, received["server-b"])
	assert.Empty(t, received["server-a"])
}

func TestBroadcastEnvelopeCarriesPayload(t *testing.T) {
	clock := clockwork.NewRealClock()
	c, _ := newTestCoordinator(t, clock)

	type relayed struct {
		origin  string
		payload json.RawMessage
	}
	got := make(chan relayed, 1)
	require.NoError(t, c.RegisterServer(context.Background(), "receiver", 8082, 10, func(origin string, payload json.RawMessage) {
		got <- relayed{origin, payload}
	}))
	require.NoError(t, c.RegisterServer(context.Background(), "sender", 8081, 10, nil))

	payload := []byte(`{"type":"chat_message","content":"hi"}`)
	require.NoError(t, c.BroadcastToFleet(context.Background(), "sender", payload))

	select {
	case r := <-got:
		assert.Equal(t, "sender", r.origin)
		assert.JSONEq(t, string(payload), string(r.payload))
	case <-time.After(time.Second):
		t.Fatal("relay never delivered")
	}
}

func TestDeactivateStopsRelay(t *testing.T) {
	clock := clockwork.NewRealClock()
	c, _ := newTestCoordinator(t, clock)

	var calls int64
	var mu sync.Mutex
	require.NoError(t, c.RegisterServer(context.Background(), "server-b", 8082, 10, func(string, json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))

	c.Deactivate("server-b")
	require.NoError(t, c.BroadcastToFleet(context.Background(), "server-a", []byte(`{}`)))

	// Delivery is asynchronous; give it a moment to (not) happen.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestFleetStats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "server-b", 8082, 20, nil))
	c.Heartbeat("server-a", 4)
	c.Heartbeat("server-b", 6)
	c.Deactivate("server-b")
	c.RecordConnection("server-a")
	c.RecordConnection("server-a")
	c.RecordMessageSent("server-a")

	stats, err := c.FleetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalServers)
	assert.Equal(t, 1, stats.ActiveServers)
	assert.Equal(t, 4, stats.TotalConnections)
	require.Len(t, stats.Servers, 2)
	assert.Equal(t, "server-a", stats.Servers[0].ID)
	assert.Equal(t, StatusInactive, stats.Servers[1].Status)
	assert.Equal(t, 2, stats.ServerStats["server-a"].ConnectionsTotal)
	assert.Equal(t, 1, stats.ServerStats["server-a"].MessagesSent)
	assert.Equal(t, clock.Now(), stats.ServerStats["server-a"].UptimeStart)
}

func TestActiveServersFiltersStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "fresh", 8081, 10, nil))
	require.NoError(t, c.RegisterServer(context.Background(), "stale", 8082, 10, nil))

	clock.Advance(StalenessThreshold - time.Second)
	c.Heartbeat("fresh", 1)
	clock.Advance(2 * time.Second)

	active := c.ActiveServers()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)
}

func TestReRegisterResetsRecordKeepsStats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))
	c.Heartbeat("server-a", 7)
	c.RecordConnection("server-a")

	// A restart re-registers under the same id with a clean record.
	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 50, nil))

	stats, err := c.FleetStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Servers, 1)
	assert.Equal(t, 50, stats.Servers[0].MaxConnections)
	assert.Zero(t, stats.Servers[0].CurrentConnections)
	assert.Equal(t, 1, stats.ServerStats["server-a"].ConnectionsTotal)
}

func TestHeartbeaterLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCoordinator(t, clock)

	require.NoError(t, c.RegisterServer(context.Background(), "server-a", 8081, 10, nil))

	connections := 3
	var mu sync.Mutex
	sample := func() int {
		mu.Lock()
		defer mu.Unlock()
		return connections
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHeartbeater(c, "server-a", sample, clock)

	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	// Immediate heartbeat on start.
	assert.Eventually(t, func() bool {
		active := c.ActiveServers()
		return len(active) == 1 && active[0].CurrentConnections == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	connections = 8
	mu.Unlock()

	// Wait for the ticker to arm before advancing past its interval.
	clock.BlockUntil(1)
	clock.Advance(HeartbeatInterval)

	assert.Eventually(t, func() bool {
		active := c.ActiveServers()
		return len(active) == 1 && active[0].CurrentConnections == 8
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Cancellation deactivates the server.
	assert.Empty(t, c.ActiveServers())
}
