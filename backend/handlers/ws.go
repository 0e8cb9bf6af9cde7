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

package handlers

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/router"
	"github.com/efchatnet/efrelay/backend/validation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 20 * time.Second
	maxFrameSize   = 8 * 1024
	cleanupTimeout = 10 * time.Second
)

// WSHandler serves the chat socket. Each connection gets its own reader and
// writer goroutine plus a rate limiter and typing throttle that live as long
// as the socket does.
type WSHandler struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.Mutex
	grace  map[string]*time.Timer // connection id -> pending expiry
	conns  map[string]*websocket.Conn
	closed bool
	wg     sync.WaitGroup
}

func NewWSHandler(deps Deps, opts Options) *WSHandler {
	opts = opts.withDefaults()
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator(deps.Sessions, deps.Presence, deps.Chat, opts.MaxMessageLength)
	}
	h := &WSHandler{
		deps:  deps,
		opts:  opts,
		log:   deps.Log.With().Str("component", "ws").Logger(),
		grace: make(map[string]*time.Timer),
		conns: make(map[string]*websocket.Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(h.opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// connection is the per-socket state owned by the reader goroutine
type connection struct {
	id        string
	userID    string
	sessionID string
	meta      models.SessionMetadata
	ws        *websocket.Conn
	client    *router.Client
	limiter   *validation.SlidingWindow
	throttle  *validation.Throttle
	log       zerolog.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c := &connection{
		id:       uuid.NewString(),
		userID:   userID,
		ws:       ws,
		limiter:  validation.NewSlidingWindow(h.opts.RateLimit),
		throttle: validation.NewThrottle(h.opts.TypingThrottle),
	}
	c.log = h.log.With().Str("conn_id", c.id).Str("user_id", userID).Logger()

	c.meta = models.SessionMetadata{UserAgent: r.UserAgent(), IP: clientIP(r)}
	c.sessionID, err = h.bindSession(ctx, c, r.URL.Query().Get("session"))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to bind session")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	if err := h.deps.Presence.AddConnection(ctx, userID, c.id); err != nil {
		c.log.Warn().Err(err).Msg("failed to record connection")
	}
	if p, err := h.deps.Presence.Get(ctx, userID); err == nil && p == nil {
		if err := h.deps.Presence.SetPresence(ctx, userID, models.PresenceUpdate{Status: models.StatusOnline}); err != nil {
			c.log.Warn().Err(err).Msg("failed to create presence")
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c.id] = ws
	h.wg.Add(1)
	h.mu.Unlock()

	c.client = router.NewClient(c.id, userID, h.opts.SendBuffer)
	h.deps.Router.Hub().Register(c.client)

	go h.writePump(c)

	h.reply(c, models.EventConnected, models.ConnectedPayload{
		UserID:       userID,
		SessionID:    c.sessionID,
		ConnectionID: c.id,
	})
	c.log.Info().Msg("connected")

	h.readPump(ctx, c)
	h.disconnect(ctx, c)
}

// bindSession resumes the caller's previous session when it belongs to the
// same user, otherwise it opens a new one.
func (h *WSHandler) bindSession(ctx context.Context, c *connection, resumeID string) (string, error) {
	if resumeID != "" {
		sess, err := h.deps.Sessions.Get(ctx, resumeID)
		if err != nil {
			return "", err
		}
		if sess != nil && sess.UserID == c.userID {
			previous := sess.ConnectionID
			_, err := h.deps.Sessions.Update(ctx, resumeID, models.SessionUpdate{
				ConnectionID: &c.id,
				UserAgent:    &c.meta.UserAgent,
				IP:           &c.meta.IP,
			})
			if err != nil {
				return "", err
			}
			h.cancelGrace(previous)
			c.log.Debug().Str("session_id", resumeID).Msg("session resumed")
			return resumeID, nil
		}
	}
	return h.deps.Sessions.Create(ctx, c.userID, c.id, c.meta)
}

func (h *WSHandler) readPump(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := models.DecodeClientEvent(raw)
		if err != nil {
			ee := models.NewEventError(models.KindValidation, models.CodeInvalidEvent, err.Error())
			if tempID := models.TempIDOf(raw); tempID != "" {
				ee = ee.WithTempID(tempID)
			}
			h.replyError(c, ee)
			continue
		}
		h.dispatch(ctx, c, ev)
	}
}

// writePump is the only goroutine writing to the socket
func (h *WSHandler) writePump(c *connection) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.client.Outbound():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) reply(c *connection, event models.EventName, data any) {
	if err := h.deps.Router.Reply(c.id, event, data); err != nil {
		c.log.Debug().Err(err).Str("event", string(event)).Msg("reply dropped")
	}
}

func (h *WSHandler) replyError(c *connection, e *models.EventError) {
	h.reply(c, models.EventErrorFrame, e)
}

// disconnect releases the socket right away. The user is marked offline only
// when no socket on any instance remains. Room membership is kept until the
// grace period runs out so a quick reconnect does not churn the member list.
func (h *WSHandler) disconnect(ctx context.Context, c *connection) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	hub := h.deps.Router.Hub()
	hub.Unregister(c.id)
	c.limiter.Reset()
	c.limiter, c.throttle = nil, nil

	// Read before the drop, which clears the typing flag
	p, err := h.deps.Presence.Get(ctx, c.userID)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to read presence on disconnect")
	}
	room := ""
	if p != nil {
		room = p.CurrentRoom
	}

	remaining, err := h.deps.Presence.DropConnection(ctx, c.userID, c.id)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to drop connection")
		remaining = hub.UserConnections(c.userID)
	}
	if remaining > 0 {
		h.scheduleGrace(c.id, c.userID, c.sessionID, room)
		c.log.Info().Int("remaining", remaining).Msg("disconnected, other sockets remain")
		return
	}

	if room != "" && p.Typing {
		h.stopTyping(ctx, c.userID, room)
	}
	if err := h.deps.Router.PublishPresence(ctx, models.PresencePayload{
		UserID:   c.userID,
		Status:   models.StatusOffline,
		RoomID:   room,
		LastSeen: time.Now().UnixMilli(),
	}); err != nil {
		c.log.Error().Err(err).Msg("failed to publish offline presence")
	}

	h.scheduleGrace(c.id, c.userID, c.sessionID, room)
	c.log.Info().Str("room", room).Msg("disconnected")
}

func (h *WSHandler) scheduleGrace(connID, userID, sessionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.grace[connID] = time.AfterFunc(h.opts.DisconnectGrace, func() {
		h.mu.Lock()
		delete(h.grace, connID)
		h.mu.Unlock()
		h.expire(connID, userID, sessionID, room)
	})
}

func (h *WSHandler) cancelGrace(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.grace[connID]; ok {
		t.Stop()
		delete(h.grace, connID)
	}
}

// expire finishes a disconnect once the grace period has passed without the
// socket's session being resumed. lastRoom is the room the user was in when
// the socket closed and is used when the presence record has already expired.
func (h *WSHandler) expire(connID, userID, sessionID, lastRoom string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	log := h.log.With().Str("conn_id", connID).Str("user_id", userID).Logger()

	sess, err := h.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to read session on expiry")
		return
	}
	if sess != nil && sess.ConnectionID != connID {
		// Resumed on another socket
		return
	}

	live, err := h.deps.Presence.LiveConnections(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to count connections on expiry")
		return
	}
	if live > 0 {
		// Another socket, possibly on another instance, still holds the user
		if sess != nil {
			if err := h.deps.Sessions.Delete(ctx, sessionID); err != nil {
				log.Error().Err(err).Msg("failed to delete session")
			}
		}
		log.Debug().Int("live", live).Msg("socket expired, user still connected")
		return
	}

	p, err := h.deps.Presence.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to read presence on expiry")
		return
	}
	if p != nil && p.Status != models.StatusOffline {
		return
	}

	switch {
	case p != nil && p.CurrentRoom != "":
		count, err := h.deps.Presence.Leave(ctx, p.CurrentRoom, userID)
		if err != nil {
			log.Error().Err(err).Msg("failed to leave room on expiry")
		} else {
			publishRoomData(ctx, h.deps, p.CurrentRoom, count)
		}
	case p == nil && lastRoom != "":
		h.removeStaleMember(ctx, log, lastRoom, userID)
	}
	if err := h.deps.Presence.Delete(ctx, userID); err != nil {
		log.Error().Err(err).Msg("failed to delete presence")
	}
	if err := h.deps.Sessions.Delete(ctx, sessionID); err != nil {
		log.Error().Err(err).Msg("failed to delete session")
	}
	log.Info().Msg("session expired")
}

// removeStaleMember drops a member whose presence record is already gone
func (h *WSHandler) removeStaleMember(ctx context.Context, log zerolog.Logger, roomID, userID string) {
	if err := h.deps.Presence.RemoveMember(ctx, roomID, userID); err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to remove member")
		return
	}
	count, err := h.deps.Presence.CountMembers(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to count members")
		return
	}
	publishRoomData(ctx, h.deps, roomID, count)
}

// Close stops pending grace timers, drops open sockets and waits for their
// writers to exit.
func (h *WSHandler) Close() {
	h.mu.Lock()
	h.closed = true
	for id, t := range h.grace {
		t.Stop()
		delete(h.grace, id)
	}
	for _, ws := range h.conns {
		ws.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
