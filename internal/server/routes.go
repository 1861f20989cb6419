package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Session auth
	s.echo.POST("/auth/login", s.handleLogin)
	s.echo.POST("/auth/logout", s.handleLogout)

	// WebSocket entry points. The wildcard form carries the default stream
	// path for clients that omit the stream field in their envelopes.
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/ws/*", s.handleWebSocket)
}
