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
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/router"
	"github.com/efchatnet/efrelay/backend/storage"
	"github.com/efchatnet/efrelay/backend/validation"
)

// Deps are the collaborators shared by the socket and HTTP handlers
type Deps struct {
	Sessions  storage.SessionStore
	Presence  storage.PresenceStore
	Mailbox   storage.Mailbox
	Chat      storage.ChatStore
	Router    *router.Router
	Validator *validation.Validator
	Log       zerolog.Logger
}

type Options struct {
	RateLimit        validation.LimitConfig
	TypingThrottle   time.Duration
	DisconnectGrace  time.Duration
	HistoryLimit     int
	MaxMessageLength int
	AllowedOrigins   []string
	SendBuffer       int
}

func DefaultOptions() Options {
	return Options{
		RateLimit:        validation.DefaultLimitConfig(),
		TypingThrottle:   validation.DefaultTypingThrottle,
		DisconnectGrace:  time.Minute,
		HistoryLimit:     50,
		MaxMessageLength: validation.DefaultMaxMessageLength,
		AllowedOrigins:   []string{"*"},
		SendBuffer:       router.DefaultSendBuffer,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RateLimit.Max <= 0 || o.RateLimit.Window <= 0 {
		o.RateLimit = d.RateLimit
	}
	if o.TypingThrottle <= 0 {
		o.TypingThrottle = d.TypingThrottle
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = d.DisconnectGrace
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = d.MaxMessageLength
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = d.AllowedOrigins
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

// roomSnapshot lists the members of roomID with their presence and avatar
func roomSnapshot(ctx context.Context, deps Deps, roomID string) ([]models.RoomUser, error) {
	members, err := deps.Presence.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	users, err := deps.Chat.FindUsers(ctx, members)
	if err != nil {
		deps.Log.Warn().Err(err).Str("room", roomID).Msg("failed to load member profiles")
		users = nil
	}

	out := make([]models.RoomUser, 0, len(members))
	for _, id := range members {
		status := models.StatusOffline
		if p, err := deps.Presence.Get(ctx, id); err == nil && p != nil {
			status = p.Status
		}
		out = append(out, models.RoomUser{
			ID:       id,
			Username: id,
			Avatar:   users[id].Avatar,
			Status:   status,
		})
	}
	return out, nil
}

// publishRoomData broadcasts the member list of roomID with the count returned
// by the membership change that triggered it, and stores that count.
func publishRoomData(ctx context.Context, deps Deps, roomID string, count int) {
	users, err := roomSnapshot(ctx, deps, roomID)
	if err != nil {
		deps.Log.Error().Err(err).Str("room", roomID).Msg("failed to list room members")
		return
	}

	payload := models.RoomDataPayload{RoomID: roomID, Users: users, Count: count}
	if typing, err := deps.Presence.ListTyping(ctx, roomID); err == nil {
		payload.Typing = typing
	}
	if err := deps.Router.PublishRoom(ctx, roomID, models.EventRoomData, payload, ""); err != nil {
		deps.Log.Error().Err(err).Str("room", roomID).Msg("failed to publish room data")
	}
	if err := deps.Chat.UpdateMemberCount(ctx, roomID, count); err != nil {
		deps.Log.Warn().Err(err).Str("room", roomID).Msg("failed to store member count")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
