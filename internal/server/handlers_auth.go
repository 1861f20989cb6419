package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/livefeed-io/livefeed/internal/identity"
)

// Session keys
const (
	sessionName        = "livefeed-session"
	sessionKeyPK       = "identity_pk"
	sessionKeyUsername = "username"
)

// ErrInvalidCredentials is returned by Authenticators on a failed login.
var ErrInvalidCredentials = errors.New("invalid credentials")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.deps.Auth == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "authentication not configured"})
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ident, err := s.deps.Auth.Authenticate(c.Request().Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}
	if err != nil {
		slog.Error("Authentication failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "authentication failed"})
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.Warn("Failed to decode existing session, starting fresh", "error", err)
	}
	session.Values[sessionKeyPK] = ident.PK
	session.Values[sessionKeyUsername] = ident.Username
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		slog.Error("Failed to save session", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save session"})
	}

	// Sockets opened before this login stay anonymous; force them to
	// reconnect with the new session.
	s.deps.Identities.OnLogin()

	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "username": ident.Username})
}

func (s *Server) handleLogout(c echo.Context) error {
	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.Warn("Failed to decode session during logout", "error", err)
	}

	pk, _ := session.Values[sessionKeyPK].(string)

	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		slog.Error("Failed to save logout session", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to logout"})
	}

	if pk != "" {
		s.deps.Identities.OnLogout(pk)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// resolveIdentity reads the cookie session. A missing or undecodable
// session yields an anonymous connection, never an error.
func (s *Server) resolveIdentity(r *http.Request) *identity.Identity {
	session, err := s.sessionStore.Get(r, sessionName)
	if err != nil {
		return nil
	}
	pk, ok := session.Values[sessionKeyPK].(string)
	if !ok || pk == "" {
		return nil
	}
	username, _ := session.Values[sessionKeyUsername].(string)
	return &identity.Identity{PK: pk, Username: username}
}

// StaticCredentials is an Authenticator over a fixed username/password
// table, suitable for development and tests. The identity PK is the
// username itself.
type StaticCredentials map[string]string

func (sc StaticCredentials) Authenticate(_ context.Context, username, password string) (*identity.Identity, error) {
	want, ok := sc[username]
	if !ok || want != password {
		return nil, ErrInvalidCredentials
	}
	return &identity.Identity{PK: username, Username: username}, nil
}
