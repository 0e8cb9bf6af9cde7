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

// Package router moves events between server instances and onto local sockets.
//
// Room-wide events are only ever written to sockets from the bus subscription,
// including on the instance that published them, so each socket sees each
// event once. Replies meant for a single sender go straight to its socket.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
)

// Envelope is what travels on the bus
type Envelope struct {
	Origin     string           `json:"origin"`
	Event      models.EventName `json:"event"`
	RoomID     string           `json:"roomId,omitempty"`
	ExceptUser string           `json:"exceptUser,omitempty"`
	Data       json.RawMessage  `json:"data"`
}

type Router struct {
	bus    Bus
	hub    *Hub
	origin string
	log    zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRouter(bus Bus, hub *Hub, log zerolog.Logger) *Router {
	origin := uuid.NewString()
	return &Router{
		bus:    bus,
		hub:    hub,
		origin: origin,
		log:    log.With().Str("component", "router").Str("origin", origin).Logger(),
		ready:  make(chan struct{}),
	}
}

func (r *Router) Hub() *Hub { return r.hub }

// Ready is closed once the bus subscription is live
func (r *Router) Ready() <-chan struct{} { return r.ready }

// Run subscribes to the bus and blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if err := r.bus.Subscribe(ctx, r.dispatch); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Msg("router subscribed")

	<-ctx.Done()
	return nil
}

func (r *Router) publish(ctx context.Context, channel string, env Envelope) error {
	env.Origin = r.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return r.bus.Publish(ctx, channel, payload)
}

// PublishRoom sends event to every socket in roomID across all instances.
// Sockets belonging to exceptUser are skipped when it is set.
func (r *Router) PublishRoom(ctx context.Context, roomID string, event models.EventName, data any, exceptUser string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return r.publish(ctx, RoomChannel(roomID), Envelope{
		Event:      event,
		RoomID:     roomID,
		ExceptUser: exceptUser,
		Data:       raw,
	})
}

// PublishPresence reaches sockets in the user's room, or every socket when
// the user is not in a room.
func (r *Router) PublishPresence(ctx context.Context, p models.PresencePayload) error {
	if p.LastSeen == 0 {
		p.LastSeen = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence payload: %w", err)
	}
	return r.publish(ctx, ChannelPresence, Envelope{
		Event:  models.EventPresenceUpdate,
		RoomID: p.RoomID,
		Data:   raw,
	})
}

// Announce broadcasts a system notice to every connected socket
func (r *Router) Announce(ctx context.Context, text string) error {
	payload := models.SystemPayload{Text: strings.TrimSpace(text), Timestamp: time.Now().UTC()}
	if err := models.Validate(payload); err != nil {
		return fmt.Errorf("invalid announcement: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}
	return r.publish(ctx, ChannelSystem, Envelope{
		Event: models.EventSystem,
		Data:  raw,
	})
}

// Reply writes a frame to one local socket without touching the bus
func (r *Router) Reply(clientID string, event models.EventName, data any) error {
	frame, err := models.EncodeFrame(event, data)
	if err != nil {
		return err
	}
	if !r.hub.SendTo(clientID, frame) {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	return nil
}

func (r *Router) dispatch(channel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed envelope")
		return
	}

	frame, err := json.Marshal(models.Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		r.log.Error().Err(err).Str("event", string(env.Event)).Msg("failed to encode frame")
		return
	}

	switch {
	case channel == ChannelSystem:
		r.hub.BroadcastAll(frame)
	case channel == ChannelPresence:
		if env.RoomID == "" {
			r.hub.BroadcastAll(frame)
		} else {
			r.hub.BroadcastRoom(env.RoomID, frame, "")
		}
	case strings.HasPrefix(channel, roomChannelPrefix):
		roomID := strings.TrimPrefix(channel, roomChannelPrefix)
		r.hub.BroadcastRoom(roomID, frame, env.ExceptUser)
	default:
		r.log.Debug().Str("channel", channel).Msg("ignoring unknown channel")
	}
}
