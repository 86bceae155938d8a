// Package chat implements the connection/room/broadcast engine: the TCP
// accept loop, the per-connection session protocol, the hub actor that
// owns the connection registry, and the fleet replication glue.
package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/fleetwire/fleetchat/internal/broker"
	"github.com/fleetwire/fleetchat/internal/domain"
	apperrors "github.com/fleetwire/fleetchat/internal/errors"
	"github.com/fleetwire/fleetchat/internal/fleet"
	"github.com/fleetwire/fleetchat/internal/metrics"
	"github.com/fleetwire/fleetchat/internal/wire"
)

const (
	defaultRoom      = "general"
	historyReplayLen = 20
	recentDefault    = 20
	recentMax        = 100
)

// Options configure a chat server instance.
type Options struct {
	ServerID       string
	Addr           string
	Port           int
	MaxConnections int
	// MessagesPerSecond and MessageBurst bound inbound traffic per
	// connection. Zero values disable limiting.
	MessagesPerSecond float64
	MessageBurst      int
}

// Server is one chat server process: it accepts raw byte-stream
// connections, speaks the framed protocol over them and replicates chat
// traffic across the fleet through the broker.
type Server struct {
	opts        Options
	hub         *Hub
	service     *Service
	broker      broker.Broker
	coordinator *fleet.Coordinator
	clock       clockwork.Clock

	listener   net.Listener
	sessions   sync.WaitGroup
	chatHandle uuid.UUID
	stopCtx    context.Context
	stopFn     context.CancelFunc
}

// NewServer assembles a chat server. The hub is created here so its
// user-offline callback can publish presence through the broker.
func NewServer(opts Options, service *Service, b broker.Broker, coordinator *fleet.Coordinator, clock clockwork.Clock) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}

	s := &Server{
		opts:        opts,
		service:     service,
		broker:      b,
		coordinator: coordinator,
		clock:       clock,
	}
	s.stopCtx, s.stopFn = context.WithCancel(context.Background())
	s.hub = NewHub(opts.MaxConnections, clock, s.onUserOffline)
	return s
}

// Hub exposes the hub for the admin API and tests.
func (s *Server) Hub() *Hub { return s.hub }

// ID returns the server's fleet id.
func (s *Server) ID() string { return s.opts.ServerID }

// Start registers the server with the fleet, subscribes to chat
// replication and begins accepting connections. It returns once the
// listener is up; accepted connections are served on their own goroutines.
func (s *Server) Start(ctx context.Context) error {
	if err := s.coordinator.RegisterServer(ctx, s.opts.ServerID, s.opts.Port, s.opts.MaxConnections, s.handleFleetRelay); err != nil {
		return err
	}

	handle, err := s.broker.Subscribe(ctx, ChannelChatMessages, s.handleFleetChatMessage)
	if err != nil {
		return fmt.Errorf("chat: subscribing to %s: %w", ChannelChatMessages, err)
	}
	s.chatHandle = handle

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("chat: listening on %s: %w", s.opts.Addr, err)
	}
	s.listener = listener

	go s.acceptLoop()

	slog.Info("Chat server started", "server_id", s.opts.ServerID, "addr", listener.Addr().String())
	return nil
}

// Addr returns the listener address. Only valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// ConnectionCount reports live connections for heartbeats and stats.
func (s *Server) ConnectionCount() int { return s.hub.ConnectionCount() }

// Stop closes the listener, drops the fleet subscriptions and closes all
// connections.
func (s *Server) Stop() {
	s.stopFn()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.broker.Unsubscribe(ChannelChatMessages, s.chatHandle)
	s.coordinator.Deactivate(s.opts.ServerID)
	s.hub.Stop()
	s.sessions.Wait()
	slog.Info("Chat server stopped", "server_id", s.opts.ServerID)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCtx.Done():
				return
			default:
			}
			slog.Error("Accept failed", "error", err)
			return
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn runs the full lifetime of one connection: handshake, attach,
// read loop, detach.
func (s *Server) serveConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	if err := wire.Handshake(br, conn); err != nil {
		slog.Warn("Handshake failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	c := &client{
		id:        uuid.New(),
		writer:    newClientWriter(conn, s.clock),
		createdAt: s.clock.Now(),
	}

	if err := s.hub.Attach(c); err != nil {
		// Attach already stopped the writer and closed the socket.
		return
	}
	s.coordinator.RecordConnection(s.opts.ServerID)

	sess := &session{server: s, id: c.id, writer: c.writer}
	sess.send(connectedReply(s.opts.ServerID, c.id))

	slog.Info("New connection", "connection_id", c.id.String(), "remote_addr", conn.RemoteAddr().String())

	defer s.hub.Detach(c.id, "connection closed")
	sess.readLoop(wire.NewReader(br))
}

// onUserOffline publishes presence when a user's last connection drops.
func (s *Server) onUserOffline(userID int64, username string) {
	ctx := context.Background()
	s.service.SetOnlineStatus(ctx, userID, false)
	s.publishUserEvent(ctx, "user_offline", userID, username)
}

func (s *Server) publishUserEvent(ctx context.Context, eventType string, userID int64, username string) {
	payload := marshal(UserEvent{
		Type:     eventType,
		UserID:   userID,
		Username: username,
		ServerID: s.opts.ServerID,
	})
	if _, err := s.broker.Publish(ctx, ChannelUserEvents, payload); err != nil {
		slog.Error("Failed to publish user event", "event", eventType, "user_id", userID, "error", err)
	}
}

// handleFleetChatMessage relays chat traffic replicated by sibling
// servers into local rooms. Own messages are filtered by server id.
func (s *Server) handleFleetChatMessage(msg broker.Message) {
	var bc ChatBroadcast
	if err := json.Unmarshal(msg.Payload, &bc); err != nil {
		slog.Warn("Discarding malformed fleet chat message", "error", err)
		return
	}
	if bc.ServerID == s.opts.ServerID {
		return
	}

	slog.Debug("Relaying fleet chat message", "origin_server", bc.ServerID, "room_id", bc.RoomID)
	s.hub.BroadcastToRoom(bc.RoomID, msg.Payload, uuid.Nil)
}

// handleFleetRelay consumes generic fleet.broadcast payloads from the
// coordinator. Chat-typed payloads are fanned into local rooms; anything
// else is relay-only.
func (s *Server) handleFleetRelay(origin string, payload json.RawMessage) {
	var bc ChatBroadcast
	if err := json.Unmarshal(payload, &bc); err != nil || bc.Type != TypeChatMessage {
		slog.Debug("Fleet relay received", "origin_server", origin)
		return
	}
	s.hub.BroadcastToRoom(bc.RoomID, payload, uuid.Nil)
}

// --- Session ---

// session is the per-connection protocol state driven by the read loop.
// One goroutine per session keeps collaborator calls and broadcasts in
// submission order for this origin.
type session struct {
	server *Server
	id     uuid.UUID
	writer *clientWriter
	user   *domain.User
}

func (sess *session) send(payload []byte) {
	if !sess.writer.send(payload) {
		slog.Warn("Dropping reply to slow client", "connection_id", sess.id.String())
	}
}

// sendError sends the wire-reply form of a structured error.
func (sess *session) sendError(err *apperrors.Error) {
	sess.send(err.ToReply())
}

func (sess *session) readLoop(frames *wire.Reader) {
	s := sess.server

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)
	}

	for {
		frame, err := frames.Next()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("Read loop ended", "connection_id", sess.id.String(), "error", err)
			}
			return
		}

		switch {
		case frame.IsClose():
			return
		case frame.IsPing():
			if pong, err := wire.EncodePong(frame.Payload); err == nil {
				sess.writer.sendRaw(pong)
			}
			continue
		case !frame.IsText():
			continue
		}

		if limiter != nil && !limiter.Allow() {
			metrics.RateLimitedMessages.Inc()
			sess.sendError(apperrors.CapacityError("Rate limit exceeded"))
			continue
		}

		sess.dispatch(frame.Payload)
	}
}

// dispatch routes one decoded text payload to its typed handler.
func (sess *session) dispatch(payload []byte) {
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesDispatched.WithLabelValues("invalid", "error").Inc()
		sess.sendError(apperrors.ProtocolError("Invalid JSON format"))
		return
	}

	switch msg.Type {
	case TypeAuth:
		sess.handleAuth(msg)
	case TypeJoinRoom:
		sess.handleJoinRoom(msg)
	case TypeLeaveRoom:
		sess.handleLeaveRoom(msg)
	case TypeChatMessage:
		sess.handleChatMessage(msg)
	case TypeRecentMessages:
		sess.handleRecentMessages(msg)
	case TypePing:
		metrics.MessagesDispatched.WithLabelValues(TypePing, "ok").Inc()
		sess.send(pongReply())
	default:
		metrics.MessagesDispatched.WithLabelValues("unknown", "error").Inc()
		sess.sendError(apperrors.ValidationError("Unknown message type: " + msg.Type))
	}
}

func (sess *session) handleAuth(msg Inbound) {
	if msg.UserID == 0 {
		metrics.MessagesDispatched.WithLabelValues(TypeAuth, "invalid").Inc()
		sess.sendError(apperrors.ValidationError("User ID required for authentication"))
		return
	}

	s := sess.server
	user, err := s.service.FindUser(s.stopCtx, msg.UserID)
	if err != nil {
		metrics.MessagesDispatched.WithLabelValues(TypeAuth, "error").Inc()
		if errors.Is(err, domain.ErrUserNotFound) {
			sess.sendError(apperrors.NotFoundError("User not found"))
		} else {
			slog.Error("User lookup failed", "connection_id", sess.id.String(), "user_id", msg.UserID, "error", err)
			sess.sendError(apperrors.CollaboratorError("User lookup failed", err))
		}
		return
	}

	firstForUser, known := s.hub.Authenticate(sess.id, user.ID, user.Username)
	if !known {
		// Connection vanished between read and authenticate.
		return
	}
	sess.user = user

	sess.send(authSuccessReply(user))
	metrics.MessagesDispatched.WithLabelValues(TypeAuth, "ok").Inc()
	slog.Info("User authenticated", "connection_id", sess.id.String(), "user_id", user.ID, "username", user.Username)

	if firstForUser {
		s.service.SetOnlineStatus(s.stopCtx, user.ID, true)
		s.publishUserEvent(s.stopCtx, "user_online", user.ID, user.Username)
	}
}

func (sess *session) handleJoinRoom(msg Inbound) {
	if msg.RoomID == "" {
		metrics.MessagesDispatched.WithLabelValues(TypeJoinRoom, "invalid").Inc()
		sess.sendError(apperrors.ValidationError("Room ID required"))
		return
	}

	s := sess.server
	s.hub.JoinRoom(sess.id, msg.RoomID)
	sess.send(joinedRoomReply(msg.RoomID))
	metrics.MessagesDispatched.WithLabelValues(TypeJoinRoom, "ok").Inc()

	sess.sendRoomHistory(msg.RoomID)
}

// sendRoomHistory replays the room's recent broker history to a joining
// connection. An empty history sends nothing.
func (sess *session) sendRoomHistory(roomID string) {
	s := sess.server
	history, err := s.broker.History(s.stopCtx, RoomChannel(roomID), historyReplayLen)
	if err != nil {
		slog.Error("Failed to load room history", "room_id", roomID, "error", err)
		return
	}
	if len(history) == 0 {
		return
	}

	payloads := make([]json.RawMessage, 0, len(history))
	for _, m := range history {
		payloads = append(payloads, json.RawMessage(m.Payload))
	}
	sess.send(roomHistoryReply(roomID, payloads))
}

func (sess *session) handleLeaveRoom(msg Inbound) {
	if msg.RoomID == "" {
		metrics.MessagesDispatched.WithLabelValues(TypeLeaveRoom, "invalid").Inc()
		sess.sendError(apperrors.ValidationError("Room ID required"))
		return
	}

	sess.server.hub.LeaveRoom(sess.id, msg.RoomID)
	sess.send(leftRoomReply(msg.RoomID))
	metrics.MessagesDispatched.WithLabelValues(TypeLeaveRoom, "ok").Inc()
}

func (sess *session) handleChatMessage(msg Inbound) {
	if sess.user == nil {
		metrics.MessagesDispatched.WithLabelValues(TypeChatMessage, "unauthenticated").Inc()
		sess.sendError(apperrors.AuthRequiredError("Authentication required"))
		return
	}
	if msg.Content == "" {
		metrics.MessagesDispatched.WithLabelValues(TypeChatMessage, "invalid").Inc()
		sess.sendError(apperrors.ValidationError("Message content cannot be empty"))
		return
	}

	roomID := msg.RoomID
	if roomID == "" {
		roomID = defaultRoom
	}

	s := sess.server

	// Persist first. A failed save is logged and the message still goes
	// out to connected peers; it may be missing from durable history.
	bc := ChatBroadcast{
		Type:     TypeChatMessage,
		Content:  msg.Content,
		RoomID:   roomID,
		Sender:   Sender{ID: sess.user.ID, Username: sess.user.Username},
		ServerID: s.opts.ServerID,
	}
	saved, err := s.service.SaveMessage(s.stopCtx, msg.Content, sess.user.ID, roomID)
	if err != nil {
		slog.Error("Failed to persist chat message, broadcasting anyway",
			"connection_id", sess.id.String(), "room_id", roomID, "error", err)
		bc.ID = uuid.New()
		bc.Timestamp = s.clock.Now()
	} else {
		bc.ID = saved.ID
		bc.Timestamp = saved.CreatedAt
	}

	payload := marshal(bc)

	// Replicate to the fleet and to the room's history channel, then fan
	// out locally. The sender gets no echo of its own message.
	if _, err := s.broker.Publish(s.stopCtx, ChannelChatMessages, payload); err != nil {
		slog.Error("Failed to replicate chat message", "room_id", roomID, "error", err)
	}
	if _, err := s.broker.Publish(s.stopCtx, RoomChannel(roomID), payload); err != nil {
		slog.Error("Failed to record room history", "room_id", roomID, "error", err)
	}
	s.hub.BroadcastToRoom(roomID, payload, sess.id)
	s.coordinator.RecordMessageSent(s.opts.ServerID)

	metrics.MessagesDispatched.WithLabelValues(TypeChatMessage, "ok").Inc()
	slog.Info("Chat message broadcast",
		"message_id", bc.ID.String(), "user_id", sess.user.ID, "room_id", roomID, "server_id", s.opts.ServerID)
}

func (sess *session) handleRecentMessages(msg Inbound) {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = defaultRoom
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = recentDefault
	}
	if limit > recentMax {
		limit = recentMax
	}

	s := sess.server
	messages, err := s.service.RecentMessages(s.stopCtx, roomID, limit)
	if err != nil {
		metrics.MessagesDispatched.WithLabelValues(TypeRecentMessages, "error").Inc()
		slog.Error("Failed to load recent messages", "room_id", roomID, "error", err)
		sess.sendError(apperrors.CollaboratorError("Failed to load recent messages", err))
		return
	}

	sess.send(recentMessagesReply(roomID, messages))
	metrics.MessagesDispatched.WithLabelValues(TypeRecentMessages, "ok").Inc()
}
