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
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// PingFunc checks one backing service for the health endpoint
type PingFunc func(ctx context.Context) error

type RoomHandler struct {
	deps      Deps
	opts      Options
	pingRedis PingFunc
}

func NewRoomHandler(deps Deps, opts Options, pingRedis PingFunc) *RoomHandler {
	return &RoomHandler{deps: deps, opts: opts.withDefaults(), pingRedis: pingRedis}
}

func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.deps.Chat.ListRooms(r.Context())
	if err != nil {
		h.deps.Log.Error().Err(err).Msg("failed to list rooms")
		http.Error(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

type createRoomRequest struct {
	Name        string `json:"name" validate:"required,roomid"`
	Description string `json:"description" validate:"max=500"`
	IsPrivate   bool   `json:"isPrivate"`
}

// CreateRoom registers a new room owned by the caller
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = models.NormalizeRoomID(req.Name)
	if err := models.Validate(req); err != nil {
		http.Error(w, "Invalid room name", http.StatusBadRequest)
		return
	}

	room, err := h.deps.Chat.CreateRoom(r.Context(), models.Room{
		Name:        req.Name,
		Description: req.Description,
		Creator:     userID,
		IsPrivate:   req.IsPrivate,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		http.Error(w, "Room already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.deps.Log.Error().Err(err).Str("room", req.Name).Msg("failed to create room")
		http.Error(w, "Failed to create room", http.StatusInternalServerError)
		return
	}
	h.deps.Log.Info().Str("room", room.Name).Str("user_id", userID).Msg("room created")
	writeJSON(w, http.StatusCreated, room)
}

// GetMessages pages backwards through room history with ?before=<id>&limit=<n>
func (h *RoomHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := models.NormalizeRoomID(mux.Vars(r)["roomId"])
	if !h.roomExists(w, r, roomID) {
		return
	}

	q := r.URL.Query()
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "Invalid before cursor", http.StatusBadRequest)
			return
		}
		before = n
	}
	limit := h.opts.HistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	page, err := h.deps.Chat.ListMessages(r.Context(), roomID, before, limit)
	if err != nil {
		h.deps.Log.Error().Err(err).Str("room", roomID).Msg("failed to list messages")
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.HistoryPayload{
		RoomID:     roomID,
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
	})
}

func (h *RoomHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	roomID := models.NormalizeRoomID(mux.Vars(r)["roomId"])
	if !h.roomExists(w, r, roomID) {
		return
	}

	users, err := roomSnapshot(r.Context(), h.deps, roomID)
	if err != nil {
		h.deps.Log.Error().Err(err).Str("room", roomID).Msg("failed to list members")
		http.Error(w, "Failed to load members", http.StatusInternalServerError)
		return
	}
	payload := models.RoomDataPayload{RoomID: roomID, Users: users, Count: len(users)}
	if typing, err := h.deps.Presence.ListTyping(r.Context(), roomID); err == nil {
		payload.Typing = typing
	}
	writeJSON(w, http.StatusOK, payload)
}

type userResponse struct {
	models.User
	Status      models.PresenceStatus `json:"status"`
	CurrentRoom string                `json:"currentRoom,omitempty"`
	LastSeen    int64                 `json:"lastSeen,omitempty"`
}

// GetUser returns a user's profile with their live presence
func (h *RoomHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := h.deps.Chat.FindUser(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && user == nil) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.deps.Log.Error().Err(err).Str("user_id", userID).Msg("failed to find user")
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}

	resp := userResponse{User: *user, Status: models.StatusOffline}
	p, err := h.deps.Presence.Get(r.Context(), userID)
	if err != nil {
		h.deps.Log.Warn().Err(err).Str("user_id", userID).Msg("failed to read presence")
	}
	if p != nil {
		resp.Status = p.Status
		resp.CurrentRoom = p.CurrentRoom
		resp.LastSeen = p.LastActivity.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMailbox shows the caller's queued messages without draining them
func (h *RoomHandler) GetMailbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.deps.Mailbox.Len(r.Context(), userID)
	if err != nil {
		h.deps.Log.Error().Err(err).Str("user_id", userID).Msg("failed to count mailbox")
		http.Error(w, "Failed to load mailbox", http.StatusInternalServerError)
		return
	}
	queued, err := h.deps.Mailbox.Peek(r.Context(), userID)
	if err != nil {
		h.deps.Log.Error().Err(err).Str("user_id", userID).Msg("failed to read mailbox")
		http.Error(w, "Failed to load mailbox", http.StatusInternalServerError)
		return
	}
	if queued == nil {
		queued = []models.QueuedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": n, "messages": queued})
}

// ClearMailbox discards everything queued for the caller
func (h *RoomHandler) ClearMailbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.deps.Mailbox.Clear(r.Context(), userID); err != nil {
		h.deps.Log.Error().Err(err).Str("user_id", userID).Msg("failed to clear mailbox")
		http.Error(w, "Failed to clear mailbox", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) roomExists(w http.ResponseWriter, r *http.Request, roomID string) bool {
	room, err := h.deps.Chat.FindRoom(r.Context(), roomID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && room == nil) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return false
	}
	if err != nil {
		h.deps.Log.Error().Err(err).Str("room", roomID).Msg("failed to find room")
		http.Error(w, "Failed to load room", http.StatusInternalServerError)
		return false
	}
	return true
}

// Announce publishes a system notice to every connected socket. Admins only.
func (h *RoomHandler) Announce(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r)
	if !ok || !claims.HasRole("admin") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.deps.Router.Announce(r.Context(), req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.deps.Log.Info().Str("user_id", claims.UserID).Msg("announcement published")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (h *RoomHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "postgres": "ok", "redis": "ok"}
	code := http.StatusOK

	// Failure details stay in the log; the endpoint is unauthenticated
	if err := h.deps.Chat.Ping(r.Context()); err != nil {
		h.deps.Log.Error().Err(err).Msg("postgres health check failed")
		status["postgres"] = "unavailable"
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.pingRedis != nil {
		if err := h.pingRedis(r.Context()); err != nil {
			h.deps.Log.Error().Err(err).Msg("redis health check failed")
			status["redis"] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}
