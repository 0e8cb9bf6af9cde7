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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	Bus         string

	JWTSecret string
	JWTIssuer string

	PresenceTTL      time.Duration
	TypingWindow     time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	TypingThrottle   time.Duration
	MailboxTTL       time.Duration
	SessionTTL       time.Duration
	DisconnectGrace  time.Duration
	HistoryLimit     int
	MaxMessageLength int
	SweepInterval    time.Duration

	AllowedOrigins []string

	LogLevel  string
	LogFormat string
}

// Load reads .env when present and then the process environment. Malformed
// numeric or duration values are reported rather than silently defaulted.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:        getEnv("PORT", "8081"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost/efrelay?sslmode=disable"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		Bus:         strings.ToLower(getEnv("BUS", BusRedis)),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: getEnv("JWT_ISSUER", "efchat"),

		PresenceTTL:      p.duration("PRESENCE_TTL", 5*time.Minute),
		TypingWindow:     p.duration("TYPING_WINDOW", 5*time.Second),
		RateLimitMax:     p.int("RATE_LIMIT_MAX", 10),
		RateLimitWindow:  p.duration("RATE_LIMIT_WINDOW", 10*time.Second),
		TypingThrottle:   p.duration("TYPING_THROTTLE", 2*time.Second),
		MailboxTTL:       p.duration("MAILBOX_TTL", 24*time.Hour),
		SessionTTL:       p.duration("SESSION_TTL", 7*24*time.Hour),
		DisconnectGrace:  p.duration("DISCONNECT_GRACE", time.Minute),
		HistoryLimit:     p.int("HISTORY_LIMIT", 50),
		MaxMessageLength: p.int("MAX_MESSAGE_LENGTH", 500),
		SweepInterval:    p.duration("SWEEP_INTERVAL", time.Minute),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	switch c.Bus {
	case BusRedis, BusNATS, BusMemory:
	default:
		errs = append(errs, fmt.Errorf("BUS must be one of redis, nats, memory; got %q", c.Bus))
	}

	durations := map[string]time.Duration{
		"PRESENCE_TTL":      c.PresenceTTL,
		"TYPING_WINDOW":     c.TypingWindow,
		"RATE_LIMIT_WINDOW": c.RateLimitWindow,
		"TYPING_THROTTLE":   c.TypingThrottle,
		"MAILBOX_TTL":       c.MailboxTTL,
		"SESSION_TTL":       c.SessionTTL,
		"DISCONNECT_GRACE":  c.DisconnectGrace,
		"SWEEP_INTERVAL":    c.SweepInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it
type parser struct {
	err error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
