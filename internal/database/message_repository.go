package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwire/fleetchat/internal/domain"
)

const messageColumns = `id, content, sender_id, room_id, message_type, metadata, created_at`

// MessageRepo implements domain.MessageRepository backed by PostgreSQL.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo on the shared pool.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Save(ctx context.Context, content string, senderID int64, roomID, messageType string, metadata []byte) (*domain.Message, error) {
	var msg domain.Message
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages (content, sender_id, room_id, message_type, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		content, senderID, roomID, messageType, metadata,
	).Scan(&msg.ID, &msg.Content, &msg.SenderID, &msg.RoomID, &msg.MessageType, &msg.Metadata, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save message for room %s: %w", roomID, err)
	}
	return &msg, nil
}

// RecentByRoom returns up to limit messages for a room, oldest first.
func (r *MessageRepo) RecentByRoom(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE room_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.SenderID, &msg.RoomID, &msg.MessageType, &msg.Metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
