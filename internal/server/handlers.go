package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fleetwire/fleetchat/internal/domain"
	"github.com/fleetwire/fleetchat/internal/errors"
)

const readinessTimeout = 2 * time.Second

// respondError maps a structured error to its HTTP status and JSON body.
func respondError(c echo.Context, err error) error {
	structured := errors.AsStructuredError(err)
	return c.JSON(structured.HTTPStatus(), structured.ToResponse())
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(c echo.Context) error {
	if s.pool == nil {
		return respondError(c, errors.CollaboratorError("database not configured", nil))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return respondError(c, errors.CollaboratorError("database not ready", err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFleetStats(c echo.Context) error {
	stats, err := s.coordinator.FleetStats(c.Request().Context())
	if err != nil {
		return respondError(c, errors.InternalError("failed to collect fleet stats", err))
	}
	return c.JSON(http.StatusOK, stats)
}

// handleFleetRoute returns the least-loaded server for a new connection.
// An empty eligible set is capacity exhaustion, reported as 503.
func (s *Server) handleFleetRoute(c echo.Context) error {
	target, ok := s.coordinator.LeastLoadedServer()
	if !ok {
		return respondError(c, errors.CapacityError("no fleet server available"))
	}
	return c.JSON(http.StatusOK, target)
}

func (s *Server) handleServerStats(c echo.Context) error {
	fleetStats, err := s.coordinator.FleetStats(c.Request().Context())
	if err != nil {
		return respondError(c, errors.InternalError("failed to collect fleet stats", err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server_id":   s.chat.ID(),
		"connections": s.chat.ConnectionCount(),
		"fleet_stats": fleetStats,
	})
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, errors.ValidationError("invalid request body"))
	}
	if req.Username == "" {
		return respondError(c, errors.ValidationError("username is required"))
	}

	user, err := s.users.Create(c.Request().Context(), req.Username, req.Email)
	if err != nil {
		if stderrors.Is(err, domain.ErrUserExists) {
			return respondError(c, errors.ValidationError("username already taken").WithContext("username", req.Username))
		}
		return respondError(c, errors.CollaboratorError("failed to create user", err))
	}
	return c.JSON(http.StatusCreated, user)
}

func (s *Server) handleListUsers(c echo.Context) error {
	if username := c.QueryParam("username"); username != "" {
		user, err := s.users.FindByUsername(c.Request().Context(), username)
		if err != nil {
			if stderrors.Is(err, domain.ErrUserNotFound) {
				return respondError(c, errors.NotFoundError("user not found").WithContext("username", username))
			}
			return respondError(c, errors.CollaboratorError("failed to load user", err))
		}
		return c.JSON(http.StatusOK, []domain.User{*user})
	}

	users, err := s.users.List(c.Request().Context())
	if err != nil {
		return respondError(c, errors.CollaboratorError("failed to list users", err))
	}
	if users == nil {
		users = []domain.User{}
	}
	return c.JSON(http.StatusOK, users)
}

func (s *Server) handleGetUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return respondError(c, errors.ValidationError("user id must be an integer"))
	}

	user, err := s.users.Find(c.Request().Context(), id)
	if err != nil {
		if stderrors.Is(err, domain.ErrUserNotFound) {
			return respondError(c, errors.NotFoundError("user not found").WithContext("user_id", id))
		}
		return respondError(c, errors.CollaboratorError("failed to load user", err))
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) handleRecentMessages(c echo.Context) error {
	roomID := c.Param("room")

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return respondError(c, errors.ValidationError("limit must be a positive integer"))
		}
		limit = parsed
	}
	if limit > 100 {
		limit = 100
	}

	messages, err := s.messages.RecentByRoom(c.Request().Context(), roomID, limit)
	if err != nil {
		return respondError(c, errors.CollaboratorError("failed to load messages", err))
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"room_id":  roomID,
		"messages": messages,
	})
}
