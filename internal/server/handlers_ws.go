package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/livefeed-io/livefeed/internal/metrics"
	"github.com/livefeed-io/livefeed/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect from arbitrary origins
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.WebSocketRejectedTotal.WithLabelValues(string(reason)).Inc()
		slog.Warn("WebSocket connection rejected", "ip", ip, "reason", string(reason))
		if reason == LimitReasonRate {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "connection rate exceeded"})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "connection limit reached"})
	}
	defer s.limits.Release(ip)

	ident := s.resolveIdentity(c.Request())

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket", "error", err)
		return nil
	}

	// The stream path under /ws/ is the routing fallback for envelopes
	// without a stream field.
	requestPath := c.Param("*")

	conn, err := stream.NewConn(ws, s.deps.Registry, s.deps.Bus, ident, requestPath, s.deps.Clock)
	if err != nil {
		slog.Error("Failed to set up connection", "error", err)
		_ = ws.Close()
		return nil
	}

	// Blocks until the peer disconnects or a fatal error ends the session.
	conn.Run(c.Request().Context())
	return nil
}
