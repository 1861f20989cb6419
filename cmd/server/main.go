package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/codec"
	"github.com/livefeed-io/livefeed/internal/config"
	"github.com/livefeed-io/livefeed/internal/database"
	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/livefeed-io/livefeed/internal/logging"
	"github.com/livefeed-io/livefeed/internal/notify"
	"github.com/livefeed-io/livefeed/internal/redis"
	"github.com/livefeed-io/livefeed/internal/server"
	"github.com/livefeed-io/livefeed/internal/stream"
)

// orderSchema declares the example "orders" stream payload.
const orderSchema = `{
	"type": "object",
	"properties": {
		"customer": {"type": "string", "maxLength": 200},
		"status": {"type": "string", "enum": ["open", "paid", "shipped", "cancelled"]},
		"counter": {"type": "integer", "minimum": 0}
	},
	"required": ["customer"],
	"additionalProperties": false
}`

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupBus(cfg *config.Config, clock clockwork.Clock) (bus.Bus, *redis.Relay) {
	local := bus.NewLocal(clock)
	if cfg.RedisURL == "" {
		slog.Info("No REDIS_URL configured, broadcasts stay instance-local")
		return local, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	relay := redis.NewRelay(client, local)
	return relay, relay
}

func parseAuthUsers(spec string) server.Authenticator {
	if spec == "" {
		return nil
	}
	users := make(server.StaticCredentials)
	for _, pair := range strings.Split(spec, ",") {
		name, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			log.Fatalf("Invalid AUTH_USERS entry %q, want user:password", pair)
		}
		users[name] = password
	}
	return users
}

func runGracefulShutdown(srv *server.Server, b bus.Bus, feed *gateway.Feed, notifier *notify.Notifier, cancelNotifier context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		feed.Close()
		cancelNotifier()
		<-notifier.Done()

		// Stopping the bus sends every remaining connection a going-away
		// close frame.
		b.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	groupBus, relay := setupBus(cfg, clock)

	feed := gateway.NewFeed()

	var (
		ordersStore gateway.Store
		pgPinger    server.Pinger
	)
	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg)
		defer pool.Close()
		ordersStore = database.NewStore(pool, feed, database.TableSpec{
			Kind:    "orders",
			Table:   "orders",
			Columns: []string{"customer", "status", "counter"},
		})
		pgPinger = pool
	} else {
		slog.Info("No DATABASE_URL configured, using in-memory store")
		ordersStore = gateway.NewMemoryStore("orders", feed)
	}

	ordersCodec, err := codec.NewJSON(orderSchema)
	if err != nil {
		slog.Error("Failed to compile orders schema", "error", err)
		os.Exit(1)
	}

	registry := stream.NewRegistry()
	err = registry.Register(stream.Config{
		Stream:       "orders",
		Store:        ordersStore,
		Codec:        ordersCodec,
		Capabilities: stream.Capabilities{Create: true, Update: true, Delete: true},
		CriteriaAliases: map[string]string{
			"counter_max": "counter<=",
			"counter_min": "counter>=",
		},
	})
	if err != nil {
		slog.Error("Failed to register streams", "error", err)
		os.Exit(1)
	}

	notifier := notify.New(registry, groupBus, feed)
	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	defer cancelNotifier()
	go notifier.Start(notifierCtx)

	identities := identity.NewRegistry(groupBus)

	var redisPinger server.Pinger
	if relay != nil {
		redisPinger = relay
	}

	srv := server.NewServer(cfg, server.Deps{
		Registry:   registry,
		Bus:        groupBus,
		Identities: identities,
		Auth:       parseAuthUsers(cfg.AuthUsers),
		Clock:      clock,
		Postgres:   pgPinger,
		Redis:      redisPinger,
	})

	done := runGracefulShutdown(srv, groupBus, feed, notifier, cancelNotifier)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
