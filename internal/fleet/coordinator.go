// Package fleet tracks the set of cooperating chat server processes and
// routes new connections to the least-loaded member. Cross-server relay
// rides the broker's fleet.broadcast channel; the broker is the only
// synchronization boundary between fleet members.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fleetwire/fleetchat/internal/broker"
	"github.com/fleetwire/fleetchat/internal/metrics"
)

// BroadcastChannel is the cluster-wide relay channel.
const BroadcastChannel = "fleet.broadcast"

// StalenessThreshold is the maximum heartbeat age before a server is
// excluded from new-connection routing. Its existing connections are
// unaffected until the server actually disconnects.
const StalenessThreshold = 30 * time.Second

// Server statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ServerRecord describes one fleet member. Records are created on
// registration and updated by heartbeats; staleness is inferred from
// heartbeat age, records are never deleted.
type ServerRecord struct {
	ID                 string    `json:"id"`
	Port               int       `json:"port"`
	MaxConnections     int       `json:"max_connections"`
	CurrentConnections int       `json:"current_connections"`
	Status             string    `json:"status"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
}

// Envelope wraps a fleet-wide payload with its origin and publish time.
type Envelope struct {
	OriginServer string          `json:"origin_server"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// RelayFunc receives payloads relayed from sibling servers. Echoes from
// the server's own id are filtered before it is called.
type RelayFunc func(origin string, payload json.RawMessage)

// ServerStats are per-server counters kept alongside the record.
type ServerStats struct {
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
	ConnectionsTotal int       `json:"connections_total"`
	UptimeStart      time.Time `json:"uptime_start"`
}

// Coordinator is the fleet registry and router.
type Coordinator struct {
	mu      sync.Mutex
	servers map[string]*ServerRecord
	stats   map[string]*ServerStats
	handles map[string]uuid.UUID
	broker  broker.Broker
	clock   clockwork.Clock
}

// NewCoordinator creates a coordinator on the given broker.
func NewCoordinator(b broker.Broker, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		servers: make(map[string]*ServerRecord),
		stats:   make(map[string]*ServerStats),
		handles: make(map[string]uuid.UUID),
		broker:  b,
		clock:   clock,
	}
}

// RegisterServer adds or overwrites a server record with status active and
// subscribes it to fleet.broadcast. relay may be nil if the server does
// not consume cluster relays.
func (c *Coordinator) RegisterServer(ctx context.Context, id string, port, maxConnections int, relay RelayFunc) error {
	now := c.clock.Now()

	handle, err := c.broker.Subscribe(ctx, BroadcastChannel, func(msg broker.Message) {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			slog.Warn("Discarding malformed fleet envelope", "error", err)
			return
		}
		if env.OriginServer == id {
			return
		}
		metrics.FleetRelaysReceived.WithLabelValues(BroadcastChannel).Inc()
		c.recordStat(id, func(s *ServerStats) { s.MessagesReceived++ })
		if relay != nil {
			relay(env.OriginServer, env.Payload)
		}
	})
	if err != nil {
		return fmt.Errorf("fleet: subscribing %s to %s: %w", id, BroadcastChannel, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.handles[id]; ok {
		c.broker.Unsubscribe(BroadcastChannel, old)
	}
	c.handles[id] = handle

	c.servers[id] = &ServerRecord{
		ID:             id,
		Port:           port,
		MaxConnections: maxConnections,
		Status:         StatusActive,
		LastHeartbeat:  now,
	}
	if _, ok := c.stats[id]; !ok {
		c.stats[id] = &ServerStats{UptimeStart: now}
	}

	slog.Info("Registered server in fleet", "server_id", id, "port", port, "max_connections", maxConnections)
	c.updateActiveGaugeLocked()
	return nil
}

// Heartbeat updates a server's connection count and heartbeat timestamp.
// Unknown server ids are a no-op.
func (c *Coordinator) Heartbeat(id string, currentConnections int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.servers[id]
	if !ok {
		return
	}
	rec.CurrentConnections = currentConnections
	rec.LastHeartbeat = c.clock.Now()
	c.updateActiveGaugeLocked()
}

// Deactivate marks a server inactive and drops its fleet subscription.
// Used during graceful shutdown; the record itself stays.
func (c *Coordinator) Deactivate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.servers[id]; ok {
		rec.Status = StatusInactive
	}
	if handle, ok := c.handles[id]; ok {
		c.broker.Unsubscribe(BroadcastChannel, handle)
		delete(c.handles, id)
	}
	c.updateActiveGaugeLocked()
}

// eligibleLocked reports whether rec can take new connections now.
func (c *Coordinator) eligibleLocked(rec *ServerRecord, now time.Time) bool {
	return rec.Status == StatusActive &&
		rec.CurrentConnections < rec.MaxConnections &&
		now.Sub(rec.LastHeartbeat) < StalenessThreshold
}

// LeastLoadedServer returns the eligible server with the lowest
// connections/capacity ratio. The second return is false when no server
// is eligible; callers must treat that as capacity exhaustion, not as a
// condition to retry indefinitely.
func (c *Coordinator) LeastLoadedServer() (ServerRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var eligible []*ServerRecord
	for _, rec := range c.servers {
		if c.eligibleLocked(rec, now) {
			eligible = append(eligible, rec)
		}
	}

	if len(eligible) == 0 {
		metrics.FleetRoutingExhausted.Inc()
		return ServerRecord{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		loadI := float64(eligible[i].CurrentConnections) / float64(eligible[i].MaxConnections)
		loadJ := float64(eligible[j].CurrentConnections) / float64(eligible[j].MaxConnections)
		if loadI != loadJ {
			return loadI < loadJ
		}
		return eligible[i].ID < eligible[j].ID
	})

	return *eligible[0], true
}

// BroadcastToFleet wraps payload with origin and timestamp and publishes
// it on fleet.broadcast. Each member filters out its own echoes.
func (c *Coordinator) BroadcastToFleet(ctx context.Context, originID string, payload []byte) error {
	env := Envelope{
		OriginServer: originID,
		Timestamp:    c.clock.Now(),
		Payload:      payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fleet: marshaling envelope: %w", err)
	}

	if _, err := c.broker.Publish(ctx, BroadcastChannel, data); err != nil {
		return fmt.Errorf("fleet: broadcasting from %s: %w", originID, err)
	}

	c.recordStat(originID, func(s *ServerStats) { s.MessagesSent++ })
	return nil
}

// ActiveServers returns copies of all records with fresh heartbeats and
// active status.
func (c *Coordinator) ActiveServers() []ServerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var out []ServerRecord
	for _, rec := range c.servers {
		if rec.Status == StatusActive && now.Sub(rec.LastHeartbeat) < StalenessThreshold {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats is the fleet-wide summary exposed on the admin API.
type Stats struct {
	TotalServers     int                            `json:"total_servers"`
	ActiveServers    int                            `json:"active_servers"`
	TotalConnections int                            `json:"total_connections"`
	Servers          []ServerRecord                 `json:"servers"`
	ServerStats      map[string]ServerStats         `json:"server_stats"`
	BrokerStats      map[string]broker.ChannelStats `json:"broker_stats"`
}

// FleetStats summarizes the fleet and its broker.
func (c *Coordinator) FleetStats(ctx context.Context) (Stats, error) {
	brokerStats, err := c.broker.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("fleet: reading broker stats: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		ServerStats: make(map[string]ServerStats, len(c.stats)),
		BrokerStats: brokerStats,
	}
	for _, rec := range c.servers {
		stats.TotalServers++
		if rec.Status == StatusActive {
			stats.ActiveServers++
			stats.TotalConnections += rec.CurrentConnections
		}
		stats.Servers = append(stats.Servers, *rec)
	}
	sort.Slice(stats.Servers, func(i, j int) bool { return stats.Servers[i].ID < stats.Servers[j].ID })
	for id, s := range c.stats {
		stats.ServerStats[id] = *s
	}
	return stats, nil
}

// RecordConnection bumps the lifetime connection counter for a server.
func (c *Coordinator) RecordConnection(id string) {
	c.recordStat(id, func(s *ServerStats) { s.ConnectionsTotal++ })
}

// RecordMessageSent bumps the sent-message counter for a server.
func (c *Coordinator) RecordMessageSent(id string) {
	c.recordStat(id, func(s *ServerStats) { s.MessagesSent++ })
}

func (c *Coordinator) recordStat(id string, apply func(*ServerStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stats[id]; ok {
		apply(s)
	}
}

func (c *Coordinator) updateActiveGaugeLocked() {
	now := c.clock.Now()
	active := 0
	for _, rec := range c.servers {
		if rec.Status == StatusActive && now.Sub(rec.LastHeartbeat) < StalenessThreshold {
			active++
		}
	}
	metrics.FleetServersActive.Set(float64(active))
}
