package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/fleetwire/fleetchat/internal/domain"
	"github.com/fleetwire/fleetchat/internal/metrics"
)

const collaboratorTimeout = 2 * time.Second

// Service fronts the persistence collaborator for the chat server. User
// lookups are collapsed with singleflight so an auth storm for one user
// costs one query; message writes go through a circuit breaker so a
// failing store degrades to best-effort broadcast instead of stalling
// every chat message on a timeout.
type Service struct {
	users    domain.UserRepository
	messages domain.MessageRepository
	breaker  *gobreaker.CircuitBreaker
	lookups  singleflight.Group
}

// NewService wires the repositories behind the breaker.
func NewService(users domain.UserRepository, messages domain.MessageRepository) *Service {
	settings := gobreaker.Settings{
		Name: "persistence",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Persistence circuit breaker state change", "from", from.String(), "to", to.String())
			metrics.PersistenceBreakerState.Set(float64(to))
		},
	}
	return &Service{
		users:    users,
		messages: messages,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// FindUser resolves a user by id. Concurrent lookups for the same id are
// collapsed into one repository call.
func (s *Service) FindUser(ctx context.Context, id int64) (*domain.User, error) {
	v, err, _ := s.lookups.Do(strconv.FormatInt(id, 10), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		defer cancel()
		return s.users.Find(lookupCtx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.User), nil
}

// SetOnlineStatus flips a user's presence flag. Failures are logged and
// swallowed: presence is advisory and must not break the connection path.
func (s *Service) SetOnlineStatus(ctx context.Context, id int64, online bool) {
	statusCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	if err := s.users.SetOnlineStatus(statusCtx, id, online); err != nil {
		metrics.PersistenceFailures.WithLabelValues("set_online_status").Inc()
		slog.Error("Failed to update user online status", "user_id", id, "online", online, "error", err)
	}
}

// SaveMessage durably stores a chat message through the circuit breaker.
// On failure the message may be lost from history; the caller broadcasts
// it regardless.
func (s *Service) SaveMessage(ctx context.Context, content string, senderID int64, roomID string) (*domain.Message, error) {
	saveCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	v, err := s.breaker.Execute(func() (any, error) {
		return s.messages.Save(saveCtx, content, senderID, roomID, "text", nil)
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("save_message").Inc()
		return nil, fmt.Errorf("saving message for room %s: %w", roomID, err)
	}
	return v.(*domain.Message), nil
}

// RecentMessages returns up to limit recent messages for a room.
func (s *Service) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	queryCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	msgs, err := s.messages.RecentByRoom(queryCtx, roomID, limit)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("recent_messages").Inc()
		return nil, fmt.Errorf("loading recent messages for room %s: %w", roomID, err)
	}
	return msgs, nil
}
