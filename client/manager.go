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

// Package client is the Go SDK for the relay: a reconnecting socket manager,
// an optimistic message store and a chat session gluing the two together.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

const (
	DefaultInitialDelay   = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 10
	DefaultTypingDebounce = time.Second
	DefaultDialTimeout    = 10 * time.Second
	maxJitter             = time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrMaxAttempts  = errors.New("failed to connect after maximum retry attempts")
	// ErrConnectionLost marks sends that were in flight when the socket dropped
	ErrConnectionLost = errors.New("connection lost before the message was confirmed")
)

type Config struct {
	// Endpoint is the ws:// or wss:// URL of the relay socket
	Endpoint       string
	Token          string
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	TypingDebounce time.Duration
	DialTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Conn is the transport the manager drives. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

func websocketDial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Option func(*Manager)

func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithJitter replaces the random component added to every reconnect delay
func WithJitter(jitter func() time.Duration) Option {
	return func(m *Manager) { m.jitter = jitter }
}

// Manager owns one transport at a time and reconnects it with exponential
// backoff after unexpected drops.
type Manager struct {
	cfg    Config
	dial   DialFunc
	jitter func() time.Duration
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	attempt   int
	conn      Conn
	gen       int // bumped whenever conn is replaced or dropped
	timer     *time.Timer
	err       error
	sessionID string
	listeners []func(State)
	frames    []func(models.Frame)

	writeMu sync.Mutex
}

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dial:   websocketDial,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
		log:    zerolog.Nop(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BaseDelay is the backoff for attempt without jitter: initial * 2^attempt capped at max.
func (m *Manager) BaseDelay(attempt int) time.Duration {
	d := m.cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxDelay || d <= 0 {
			return m.cfg.MaxDelay
		}
	}
	return min(d, m.cfg.MaxDelay)
}

func (m *Manager) Delay(attempt int) time.Duration {
	return m.BaseDelay(attempt) + m.jitter()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the last transport error, cleared on a successful connect
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// SessionID is the session the server assigned, reused on reconnect
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// OnStateChange registers fn for every state transition
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnFrame registers fn for every inbound frame. Frames are delivered on the read goroutine.
func (m *Manager) OnFrame(fn func(models.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, fn)
}

func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	ls := slices.Clone(m.listeners)
	return func() {
		for _, fn := range ls {
			fn(s)
		}
	}
}

// Connect dials once. Failures are returned and also start the backoff loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	notify := m.setStateLocked(StateConnecting)
	m.err = nil
	gen := m.gen
	m.mu.Unlock()
	notify()

	return m.dialAndAttach(ctx, gen)
}

// RetryNow abandons any pending backoff and dials immediately with a fresh attempt count.
func (m *Manager) RetryNow(ctx context.Context) error {
	m.mu.Lock()
	m.stopTimerLocked()
	m.dropConnLocked()
	m.attempt = 0
	m.err = nil
	notify := m.setStateLocked(StateConnecting)
	gen := m.gen
	m.mu.Unlock()
	notify()

	return m.dialAndAttach(ctx, gen)
}

func (m *Manager) dialAndAttach(ctx context.Context, gen int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.dial(ctx, m.endpoint(), m.header())

	m.mu.Lock()
	if m.gen != gen || (m.state != StateConnecting && m.state != StateReconnecting) {
		// Disconnected or superseded while dialing
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			return err
		}
		return ErrNotConnected
	}
	if err != nil {
		m.err = err
		notify := m.scheduleReconnectLocked()
		m.mu.Unlock()
		notify()
		m.log.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.conn = conn
	m.gen++
	m.attempt = 0
	m.err = nil
	gen = m.gen
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	notify()
	m.log.Info().Msg("connected")
	return nil
}

func (m *Manager) endpoint() string {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil || sessionID == "" {
		return m.cfg.Endpoint
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	if m.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	return h
}

// scheduleReconnectLocked arms the single backoff timer or gives up.
func (m *Manager) scheduleReconnectLocked() func() {
	m.stopTimerLocked()
	if m.attempt >= m.cfg.MaxAttempts {
		m.err = fmt.Errorf("%w: %v", ErrMaxAttempts, m.err)
		return m.setStateLocked(StateFailed)
	}

	delay := m.Delay(m.attempt)
	m.attempt++
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
	m.log.Debug().Dur("delay", delay).Int("attempt", m.attempt).Int("max_attempts", m.cfg.MaxAttempts).Msg("reconnecting")
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) redial(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.dialAndAttach(context.Background(), gen)
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		var f models.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			m.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		m.mu.Lock()
		if f.Event == models.EventConnected {
			var p models.ConnectedPayload
			if json.Unmarshal(f.Data, &p) == nil && p.SessionID != "" {
				m.sessionID = p.SessionID
			}
		}
		handlers := slices.Clone(m.frames)
		m.mu.Unlock()

		for _, fn := range handlers {
			fn(f)
		}
	}
}

func (m *Manager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.conn.Close()
	m.conn = nil
	m.gen++
	m.err = err
	notify := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection lost")
	notify()
}

// Emit writes one event. It fails with ErrNotConnected unless the manager is CONNECTED.
func (m *Manager) Emit(event models.EventName, data any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	frame, err := models.EncodeFrame(event, data)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Disconnect closes the transport and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.dropConnLocked()
	m.attempt = 0
	m.err = nil
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
}

// Close disconnects and forgets the server session so the next Connect starts fresh.
func (m *Manager) Close() error {
	m.Disconnect()
	m.mu.Lock()
	m.sessionID = ""
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dropConnLocked() {
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
