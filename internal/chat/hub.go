package chat

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fleetwire/fleetchat/internal/metrics"
)

const (
	cmdBufferSize  = 256
	commandTimeout = 5 * time.Second // Actor command timeout
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type attachCmd struct {
	client       *client
	errorChannel chan error
}

func (attachCmd) hubCmd() {}

type detachCmd struct {
	id     uuid.UUID
	reason string
}

func (detachCmd) hubCmd() {}

type authenticateCmd struct {
	id           uuid.UUID
	userID       int64
	username     string
	replyChannel chan authResult
}

func (authenticateCmd) hubCmd() {}

type authResult struct {
	firstForUser bool
	known        bool
}

type joinRoomCmd struct {
	id           uuid.UUID
	roomID       string
	replyChannel chan bool
}

func (joinRoomCmd) hubCmd() {}

type leaveRoomCmd struct {
	id           uuid.UUID
	roomID       string
	replyChannel chan bool
}

func (leaveRoomCmd) hubCmd() {}

type broadcastCmd struct {
	roomID  string
	payload []byte
	exclude uuid.UUID
}

func (broadcastCmd) hubCmd() {}

type sendToUserCmd struct {
	userID  int64
	payload []byte
}

func (sendToUserCmd) hubCmd() {}

type connectionCountCmd struct {
	replyChannel chan int
}

func (connectionCountCmd) hubCmd() {}

type stopCmd struct{}

func (stopCmd) hubCmd() {}

// Hub owns the connection registry and performs all room fan-out. It is
// an actor: a single goroutine drains the command channel, so registry
// mutation is single-writer and needs no locks. Commands are processed in
// submission order, which gives per-origin FIFO broadcast ordering.
type Hub struct {
	cmdCh          chan hubCmd
	registry       *registry
	clock          clockwork.Clock
	maxConnections int
	onUserOffline  func(userID int64, username string)
	done           chan struct{}
}

// NewHub creates and starts a hub. onUserOffline fires (on its own
// goroutine) when an authenticated user's last connection unregisters;
// it may be nil.
func NewHub(maxConnections int, clock clockwork.Clock, onUserOffline func(userID int64, username string)) *Hub {
	h := &Hub{
		cmdCh:          make(chan hubCmd, cmdBufferSize),
		registry:       newRegistry(),
		clock:          clock,
		maxConnections: maxConnections,
		onUserOffline:  onUserOffline,
		done:           make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case attachCmd:
			h.handleAttach(c)
		case detachCmd:
			h.handleDetach(c.id, c.reason)
		case authenticateCmd:
			first, known := h.registry.authenticate(c.id, c.userID, c.username)
			c.replyChannel <- authResult{firstForUser: first, known: known}
		case joinRoomCmd:
			joined := h.registry.joinRoom(c.id, c.roomID)
			metrics.RoomsCurrent.Set(float64(h.registry.roomCount()))
			c.replyChannel <- joined
		case leaveRoomCmd:
			left := h.registry.leaveRoom(c.id, c.roomID)
			metrics.RoomsCurrent.Set(float64(h.registry.roomCount()))
			c.replyChannel <- left
		case broadcastCmd:
			h.handleBroadcast(c)
		case sendToUserCmd:
			h.handleSendToUser(c)
		case connectionCountCmd:
			c.replyChannel <- h.registry.connectionCount()
		case stopCmd:
			h.handleStop()
			close(h.done)
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleAttach(c attachCmd) {
	if h.registry.connectionCount() >= h.maxConnections {
		slog.Warn("Rejecting connection: server at capacity", "max_connections", h.maxConnections)
		c.client.writer.stop()
		c.errorChannel <- fmt.Errorf("max connections (%d) reached", h.maxConnections)
		return
	}

	h.registry.register(c.client)
	metrics.ConnectionsCurrent.Set(float64(h.registry.connectionCount()))
	metrics.ConnectionsTotal.Inc()

	slog.Debug("Connection attached", "connection_id", c.client.id.String(), "total_connections", h.registry.connectionCount())
	c.errorChannel <- nil
}

func (h *Hub) handleDetach(id uuid.UUID, reason string) {
	c, lastForUser := h.registry.unregister(id)
	if c == nil {
		return
	}

	c.writer.stop()
	metrics.ConnectionsCurrent.Set(float64(h.registry.connectionCount()))
	metrics.RoomsCurrent.Set(float64(h.registry.roomCount()))

	slog.Info("Connection detached",
		"connection_id", id.String(),
		"user_id", c.userID,
		"reason", reason,
		"remaining_connections", h.registry.connectionCount(),
	)

	if lastForUser && h.onUserOffline != nil {
		userID, username := c.userID, c.username
		go h.onUserOffline(userID, username)
	}
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	members := h.registry.roomMembers(c.roomID)

	recipients := 0
	var slow []uuid.UUID
	for _, member := range members {
		if member.id == c.exclude {
			continue
		}
		if member.writer.send(c.payload) {
			recipients++
		} else {
			slow = append(slow, member.id)
		}
	}

	metrics.BroadcastRecipients.Observe(float64(recipients))

	// A full send buffer is a delivery failure for that recipient only:
	// log it, drop the connection, carry on with the rest.
	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "connection_id", id.String(), "room_id", c.roomID)
		metrics.SlowClientsEvicted.Inc()
		metrics.BroadcastWriteFailures.Inc()
		h.handleDetach(id, "send buffer full")
	}
}

func (h *Hub) handleSendToUser(c sendToUserCmd) {
	for _, conn := range h.registry.userConnections(c.userID) {
		if !conn.writer.send(c.payload) {
			slog.Warn("Disconnecting slow client", "connection_id", conn.id.String(), "user_id", c.userID)
			metrics.SlowClientsEvicted.Inc()
			h.handleDetach(conn.id, "send buffer full")
		}
	}
}

func (h *Hub) handleStop() {
	for id := range h.registry.clients {
		c, _ := h.registry.unregister(id)
		if c != nil {
			c.writer.stopGraceful()
		}
	}
	metrics.ConnectionsCurrent.Set(0)
	metrics.RoomsCurrent.Set(0)
	slog.Info("Hub stopped, all connections closed")
}

// --- Public API ---

// submit enqueues a command unless the hub has already stopped. The
// returned bool reports whether the command was accepted.
func (h *Hub) submit(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Attach registers a connection. It fails when the server is at capacity
// or already stopped.
func (h *Hub) Attach(c *client) error {
	errCh := make(chan error, 1)
	if !h.submit(attachCmd{client: c, errorChannel: errCh}) {
		c.writer.stop()
		return fmt.Errorf("hub is stopped")
	}

	// Use timeout to prevent blocking forever if the hub is stuck
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-h.done:
		c.writer.stop()
		return fmt.Errorf("hub is stopped")
	case <-timer.Chan():
		return fmt.Errorf("attach command timed out after %v", commandTimeout)
	}
}

// Detach unregisters a connection and closes its writer. Safe to call
// multiple times, while broadcasts to the connection are in flight, and
// after the hub has stopped.
func (h *Hub) Detach(id uuid.UUID, reason string) {
	h.submit(detachCmd{id: id, reason: reason})
}

// Authenticate binds a user to a connection. The first return reports
// whether the user just came online (no prior connections).
func (h *Hub) Authenticate(id uuid.UUID, userID int64, username string) (firstForUser, known bool) {
	replyCh := make(chan authResult, 1)
	if !h.submit(authenticateCmd{id: id, userID: userID, username: username, replyChannel: replyCh}) {
		return false, false
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-replyCh:
		return res.firstForUser, res.known
	case <-h.done:
		return false, false
	case <-timer.Chan():
		slog.Warn("Authenticate timed out", "timeout", commandTimeout)
		return false, false
	}
}

// JoinRoom adds the connection to a room. Idempotent; the return reports
// whether membership changed.
func (h *Hub) JoinRoom(id uuid.UUID, roomID string) bool {
	replyCh := make(chan bool, 1)
	if !h.submit(joinRoomCmd{id: id, roomID: roomID, replyChannel: replyCh}) {
		return false
	}
	return h.awaitBool(replyCh, "JoinRoom")
}

// LeaveRoom removes the connection from a room. Idempotent.
func (h *Hub) LeaveRoom(id uuid.UUID, roomID string) bool {
	replyCh := make(chan bool, 1)
	if !h.submit(leaveRoomCmd{id: id, roomID: roomID, replyChannel: replyCh}) {
		return false
	}
	return h.awaitBool(replyCh, "LeaveRoom")
}

func (h *Hub) awaitBool(replyCh chan bool, op string) bool {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case changed := <-replyCh:
		return changed
	case <-h.done:
		return false
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "operation", op, "timeout", commandTimeout)
		return false
	}
}

// BroadcastToRoom delivers payload to every member of roomID except
// exclude (uuid.Nil excludes nobody). Best-effort per recipient.
func (h *Hub) BroadcastToRoom(roomID string, payload []byte, exclude uuid.UUID) {
	h.submit(broadcastCmd{roomID: roomID, payload: payload, exclude: exclude})
}

// SendToUser delivers payload to every connection of userID.
func (h *Hub) SendToUser(userID int64, payload []byte) {
	h.submit(sendToUserCmd{userID: userID, payload: payload})
}

// ConnectionCount returns the number of live connections, 0 after the
// hub has stopped, or -1 if the command times out.
func (h *Hub) ConnectionCount() int {
	replyCh := make(chan int, 1)
	if !h.submit(connectionCountCmd{replyChannel: replyCh}) {
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("ConnectionCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every connection and shuts the hub down. Idempotent;
// blocks until the hub goroutine has exited or the timeout is reached.
func (h *Hub) Stop() {
	if !h.submit(stopCmd{}) {
		return
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.Chan():
		slog.Warn("Hub stop timed out", "timeout", commandTimeout)
	}
}
