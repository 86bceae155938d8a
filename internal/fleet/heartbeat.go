package fleet

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// HeartbeatInterval is how often a server refreshes its fleet record.
// It must stay well below StalenessThreshold.
const HeartbeatInterval = 10 * time.Second

// Heartbeater drives periodic heartbeat updates for one server. The
// connection count is sampled via a callback so the ticker never performs
// blocking work inline.
type Heartbeater struct {
	coordinator *Coordinator
	serverID    string
	connections func() int
	interval    time.Duration
	clock       clockwork.Clock
}

// NewHeartbeater creates a heartbeat loop for serverID. connections is
// sampled on every tick and must be non-blocking.
func NewHeartbeater(c *Coordinator, serverID string, connections func() int, clock clockwork.Clock) *Heartbeater {
	return &Heartbeater{
		coordinator: c,
		serverID:    serverID,
		connections: connections,
		interval:    HeartbeatInterval,
		clock:       clock,
	}
}

// Start sends an immediate heartbeat, then one per interval. Blocks until
// ctx is cancelled, then deactivates the server and returns.
func (h *Heartbeater) Start(ctx context.Context) {
	h.coordinator.Heartbeat(h.serverID, h.connections())

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			h.coordinator.Heartbeat(h.serverID, h.connections())
		case <-ctx.Done():
			h.coordinator.Deactivate(h.serverID)
			return
		}
	}
}
