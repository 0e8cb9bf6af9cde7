// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efrelay/backend/config"
	"github.com/efchatnet/efrelay/backend/handlers"
	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/router"
	"github.com/efchatnet/efrelay/backend/storage/postgres"
	redisstore "github.com/efchatnet/efrelay/backend/storage/redis"
	"github.com/efchatnet/efrelay/backend/validation"
)

// Relay bundles the chat delivery layer so it can be mounted on an existing
// efchat router or run standalone from cmd/server.
type Relay struct {
	store    *postgres.Store
	rdb      *redis.Client
	router   *router.Router
	ws       *handlers.WSHandler
	rooms    *handlers.RoomHandler
	sweeper  *handlers.Sweeper
	settings *config.Config
	log      zerolog.Logger
}

// Config holds the collaborators of the relay. Bus defaults to Redis pub/sub
// on the same client.
type Config struct {
	DB       *sql.DB
	Redis    *redis.Client
	Bus      router.Bus
	Settings *config.Config
	Log      zerolog.Logger
}

// NewRelay migrates the chat schema and wires stores, router and handlers.
func NewRelay(ctx context.Context, cfg *Config) (*Relay, error) {
	if cfg.Settings == nil {
		return nil, &ValidationError{Message: "relay settings are not configured"}
	}
	settings := cfg.Settings

	store := postgres.NewStore(cfg.DB)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	bus := cfg.Bus
	if bus == nil {
		bus = router.NewRedisBus(cfg.Redis)
	}
	rt := router.NewRouter(bus, router.NewHub(cfg.Log), cfg.Log)

	deps := handlers.Deps{
		Sessions: redisstore.NewSessionStore(cfg.Redis, settings.SessionTTL),
		Presence: redisstore.NewPresenceStore(cfg.Redis, redisstore.PresenceConfig{
			TTL:          settings.PresenceTTL,
			TypingWindow: settings.TypingWindow,
		}),
		Mailbox: redisstore.NewMailboxStore(cfg.Redis, settings.MailboxTTL),
		Chat:    store,
		Router:  rt,
		Log:     cfg.Log,
	}
	opts := OptionsFromConfig(settings)

	return &Relay{
		store:    store,
		rdb:      cfg.Redis,
		router:   rt,
		ws:       handlers.NewWSHandler(deps, opts),
		rooms:    handlers.NewRoomHandler(deps, opts, func(ctx context.Context) error { return cfg.Redis.Ping(ctx).Err() }),
		sweeper:  handlers.NewSweeper(deps, settings.SweepInterval),
		settings: settings,
		log:      cfg.Log,
	}, nil
}

// OptionsFromConfig maps environment settings onto handler options
func OptionsFromConfig(c *config.Config) handlers.Options {
	return handlers.Options{
		RateLimit:        validation.LimitConfig{Max: c.RateLimitMax, Window: c.RateLimitWindow},
		TypingThrottle:   c.TypingThrottle,
		DisconnectGrace:  c.DisconnectGrace,
		HistoryLimit:     c.HistoryLimit,
		MaxMessageLength: c.MaxMessageLength,
		AllowedOrigins:   c.AllowedOrigins,
	}
}

// RegisterRoutes adds the relay routes to an existing router.
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *Relay) RegisterRoutes(r *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	if authMiddleware == nil {
		authMiddleware = middleware.NewAuthMiddleware(e.settings.JWTSecret, e.settings.JWTIssuer)
	}

	// Health check (no auth required)
	r.HandleFunc("/health", e.rooms.Health).Methods("GET")

	r.Handle("/ws", authMiddleware(e.ws)).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)
	api.HandleFunc("/rooms", e.rooms.ListRooms).Methods("GET", "OPTIONS")
	api.HandleFunc("/rooms", e.rooms.CreateRoom).Methods("POST")
	api.HandleFunc("/rooms/{roomId}/messages", e.rooms.GetMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/rooms/{roomId}/members", e.rooms.GetMembers).Methods("GET", "OPTIONS")
	api.HandleFunc("/users/{userId}", e.rooms.GetUser).Methods("GET", "OPTIONS")
	api.HandleFunc("/mailbox", e.rooms.GetMailbox).Methods("GET", "OPTIONS")
	api.HandleFunc("/mailbox", e.rooms.ClearMailbox).Methods("DELETE")
	api.HandleFunc("/announce", e.rooms.Announce).Methods("POST", "OPTIONS")
}

// Run keeps the bus subscription and the sweeper alive until ctx is cancelled
func (e *Relay) Run(ctx context.Context) error {
	e.log.Info().Dur("sweep_interval", e.settings.SweepInterval).Msg("relay running")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.router.Run(ctx) })
	g.Go(func() error {
		select {
		case <-e.router.Ready():
		case <-ctx.Done():
			return nil
		}
		return e.sweeper.Run(ctx)
	})
	return g.Wait()
}

// Close stops pending disconnect timers
func (e *Relay) Close() {
	e.ws.Close()
}

// Router returns the delivery router, e.g. for announcements from the host app
func (e *Relay) Router() *router.Router {
	return e.router
}

// ValidateSetup checks that the backing services answer and auth is configured
func (e *Relay) ValidateSetup(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	if e.settings.JWTSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
