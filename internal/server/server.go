package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/config"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/livefeed-io/livefeed/internal/stream"
)

// Pinger is the readiness probe for an external collaborator. A nil Pinger
// means the collaborator is not configured and its check is skipped.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Authenticator verifies login credentials and resolves the identity.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*identity.Identity, error)
}

// Deps carries the collaborators the server routes requests to.
type Deps struct {
	Registry   *stream.Registry
	Bus        bus.Bus
	Identities *identity.Registry
	Auth       Authenticator
	Clock      clockwork.Clock

	// Postgres and Redis feed the readiness check; either may be nil.
	Postgres Pinger
	Redis    Pinger
}

type Server struct {
	echo         *echo.Echo
	config       *config.Config
	deps         Deps
	sessionStore *sessions.CookieStore
	limits       *ConnectionLimits
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		deps:         deps,
		sessionStore: sessionStore,
		limits:       NewConnectionLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
