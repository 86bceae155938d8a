// Package server exposes the HTTP surface: health checks, Prometheus
// metrics, fleet stats and routing, and the user/message REST endpoints
// backed by the persistence layer.
package server

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fleetwire/fleetchat/internal/chat"
	"github.com/fleetwire/fleetchat/internal/config"
	"github.com/fleetwire/fleetchat/internal/domain"
	"github.com/fleetwire/fleetchat/internal/fleet"
)

// Server is the admin HTTP server.
type Server struct {
	echo        *echo.Echo
	config      *config.Config
	chat        *chat.Server
	coordinator *fleet.Coordinator
	users       domain.UserRepository
	messages    domain.MessageRepository
	pool        *pgxpool.Pool
}

// NewServer assembles the echo application.
func NewServer(cfg *config.Config, chatSrv *chat.Server, coordinator *fleet.Coordinator, users domain.UserRepository, messages domain.MessageRepository, pool *pgxpool.Pool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		chat:        chatSrv,
		coordinator: coordinator,
		users:       users,
		messages:    messages,
		pool:        pool,
	}
	srv.registerRoutes()
	return srv
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.config.HTTPPort)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
