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

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efrelay/backend/config"
	"github.com/efchatnet/efrelay/backend/integration"
	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Redis connection
	rdb := redis.NewClient(redisOptions(cfg.RedisURL))
	defer rdb.Close()

	bus, closeBus, err := newBus(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("bus", cfg.Bus).Msg("failed to connect message bus")
	}
	defer closeBus()

	relay, err := integration.NewRelay(ctx, &integration.Config{
		DB:       db,
		Redis:    rdb,
		Bus:      bus,
		Settings: cfg,
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise relay")
	}
	defer relay.Close()

	if err := relay.ValidateSetup(ctx); err != nil {
		log.Fatal().Err(err).Msg("relay setup check failed")
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	relay.RegisterRoutes(r, middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("bus", cfg.Bus).Str("jwt_issuer", cfg.JWTIssuer).Msg("relay server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "efrelay").Logger()
}

// redisOptions accepts either a redis:// URL or a bare host:port
func redisOptions(raw string) *redis.Options {
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		if opts, err := redis.ParseURL(raw); err == nil {
			return opts
		}
	}
	return &redis.Options{Addr: raw}
}

func newBus(cfg *config.Config, rdb *redis.Client) (router.Bus, func(), error) {
	switch cfg.Bus {
	case config.BusNATS:
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("efrelay"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, nil, err
		}
		bus := router.NewNATSBus(nc)
		return bus, func() { bus.Close() }, nil
	case config.BusMemory:
		bus := router.NewMemoryBus()
		return bus, func() { bus.Close() }, nil
	default:
		bus := router.NewRedisBus(rdb)
		return bus, func() { bus.Close() }, nil
	}
}
