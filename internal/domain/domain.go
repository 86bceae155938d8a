package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// User is a chat participant as stored by the persistence layer.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted chat message.
type Message struct {
	ID          uuid.UUID `json:"id"`
	Content     string    `json:"content"`
	SenderID    int64     `json:"sender_id"`
	RoomID      string    `json:"room_id"`
	MessageType string    `json:"message_type"`
	Metadata    []byte    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

var (
	// ErrUserNotFound indicates a user lookup that resolved nothing.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists indicates a username collision on create.
	ErrUserExists = errors.New("user already exists")
)

// UserRepository is the persistence collaborator for users.
type UserRepository interface {
	Find(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, username, email string) (*User, error)
	List(ctx context.Context) ([]User, error)
	SetOnlineStatus(ctx context.Context, id int64, online bool) error
}

// MessageRepository is the persistence collaborator for chat messages.
type MessageRepository interface {
	Save(ctx context.Context, content string, senderID int64, roomID, messageType string, metadata []byte) (*Message, error)
	RecentByRoom(ctx context.Context, roomID string, limit int) ([]Message, error)
}
