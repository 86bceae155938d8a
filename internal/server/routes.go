package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Fleet
	s.echo.GET("/api/fleet", s.handleFleetStats)
	s.echo.GET("/api/fleet/route", s.handleFleetRoute)
	s.echo.GET("/api/stats", s.handleServerStats)

	// Users
	s.echo.POST("/api/users", s.handleCreateUser)
	s.echo.GET("/api/users", s.handleListUsers)
	s.echo.GET("/api/users/:id", s.handleGetUser)

	// Messages
	s.echo.GET("/api/rooms/:room/messages", s.handleRecentMessages)
}
