package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwire/fleetchat/internal/domain"
)

// Inbound message types.
const (
	TypeAuth           = "auth"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeChatMessage    = "chat_message"
	TypeRecentMessages = "get_recent_messages"
	TypePing           = "ping"
)

// Broker channel names.
const (
	ChannelChatMessages = "chat.messages"
	ChannelUserEvents   = "user.events"
)

// RoomChannel is the per-room history replay channel name.
func RoomChannel(roomID string) string {
	return "room_" + roomID
}

// Inbound is the decoded client message envelope. Fields are optional in
// the wire format; each handler validates the ones it requires.
type Inbound struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Sender identifies the originating user of a chat broadcast.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ChatBroadcast is the fan-out form of a chat message. It is also the
// payload replicated on chat.messages for the rest of the fleet.
type ChatBroadcast struct {
	Type      string    `json:"type"`
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	RoomID    string    `json:"room_id"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"server_id"`
}

// UserEvent is the presence payload published on user.events.
type UserEvent struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	ServerID string `json:"server_id"`
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All reply types are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return data
}

func pongReply() []byte {
	return marshal(map[string]any{"type": "pong"})
}

func connectedReply(serverID string, connectionID uuid.UUID) []byte {
	return marshal(map[string]any{
		"type":          "connected",
		"server_id":     serverID,
		"connection_id": connectionID,
		"message":       "Connected to chat server",
	})
}

func authSuccessReply(user *domain.User) []byte {
	return marshal(map[string]any{
		"type": "auth_success",
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
	})
}

func joinedRoomReply(roomID string) []byte {
	return marshal(map[string]any{"type": "joined_room", "room_id": roomID})
}

func leftRoomReply(roomID string) []byte {
	return marshal(map[string]any{"type": "left_room", "room_id": roomID})
}

func roomHistoryReply(roomID string, messages []json.RawMessage) []byte {
	return marshal(map[string]any{
		"type":     "room_history",
		"room_id":  roomID,
		"messages": messages,
	})
}

func recentMessagesReply(roomID string, messages []domain.Message) []byte {
	return marshal(map[string]any{
		"type":     "recent_messages",
		"room_id":  roomID,
		"messages": messages,
	})
}
