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
	"errors"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
	"github.com/efchatnet/efrelay/backend/validation"
)

func (h *WSHandler) dispatch(ctx context.Context, c *connection, ev models.ClientEvent) {
	if _, ok := ev.(*models.JoinEvent); !ok {
		sess, err := h.deps.Sessions.GetByConnection(ctx, c.id)
		if err != nil {
			c.log.Error().Err(err).Str("event", string(ev.Name())).Msg("failed to resolve session")
			h.replyError(c, models.ErrNotAuthenticated())
			return
		}
		if sess == nil {
			h.replyError(c, models.ErrNotAuthenticated())
			return
		}
	}

	switch e := ev.(type) {
	case *models.JoinEvent:
		h.handleJoin(ctx, c, e)
	case *models.LeaveEvent:
		h.handleLeave(ctx, c, e)
	case *models.SendMessageEvent:
		h.handleSendMessage(ctx, c, e)
	case *models.TypingEvent:
		h.handleTyping(ctx, c, e)
	case *models.StopTypingEvent:
		h.handleStopTyping(ctx, c, e)
	case *models.HeartbeatEvent:
		h.handleHeartbeat(ctx, c, e)
	case *models.SetStatusEvent:
		h.handleSetStatus(ctx, c, e)
	case *models.EditMessageEvent:
		h.handleEditMessage(ctx, c, e)
	case *models.DeleteMessageEvent:
		h.handleDeleteMessage(ctx, c, e)
	case *models.ReactMessageEvent:
		h.handleReactMessage(ctx, c, e)
	}
}

// handleJoin subscribes the socket before marking the user present and only
// then drains the mailbox. A message sent in between is either queued or
// delivered live, never neither.
func (h *WSHandler) handleJoin(ctx context.Context, c *connection, e *models.JoinEvent) {
	if e.UserID != "" && e.UserID != c.userID {
		h.replyError(c, models.NewEventError(models.KindValidation, models.CodeInvalidEvent,
			"userId does not match the authenticated user"))
		return
	}

	room, err := h.deps.Chat.FindRoom(ctx, e.RoomID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && room == nil) {
		h.replyError(c, models.NewEventError(models.KindMembership, models.CodeRoomNotFound, "Room does not exist."))
		return
	}
	if err != nil {
		c.log.Error().Err(err).Str("room", e.RoomID).Msg("failed to find room")
		h.replyError(c, models.ErrPersistence(models.CodeJoinFailed))
		return
	}

	if err := h.ensureSession(ctx, c); err != nil {
		c.log.Error().Err(err).Msg("failed to restore session")
		h.replyError(c, models.ErrPersistence(models.CodeJoinFailed))
		return
	}

	if p, err := h.deps.Presence.Get(ctx, c.userID); err == nil && p != nil &&
		p.CurrentRoom != "" && p.CurrentRoom != e.RoomID {
		h.leaveRoom(ctx, c, p.CurrentRoom)
	}

	h.deps.Router.Hub().Join(c.id, e.RoomID)

	count, err := h.deps.Presence.Join(ctx, e.RoomID, c.userID)
	if err != nil {
		h.deps.Router.Hub().Leave(c.id, e.RoomID)
		c.log.Error().Err(err).Str("room", e.RoomID).Msg("failed to join room")
		h.replyError(c, models.ErrPersistence(models.CodeJoinFailed))
		return
	}

	queued, err := h.deps.Mailbox.Drain(ctx, c.userID)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to drain mailbox")
	}

	page, err := h.deps.Chat.ListMessages(ctx, e.RoomID, 0, h.opts.HistoryLimit)
	if err != nil {
		c.log.Error().Err(err).Str("room", e.RoomID).Msg("failed to load history")
		page = &models.MessagePage{Messages: []models.Message{}}
	}
	h.reply(c, models.EventMessageHistory, models.HistoryPayload{
		RoomID:     e.RoomID,
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
	})
	if len(queued) > 0 {
		h.reply(c, models.EventMailbox, models.MailboxPayload{Messages: queued})
	}

	publishRoomData(ctx, h.deps, e.RoomID, count)
	if err := h.deps.Router.PublishPresence(ctx, models.PresencePayload{
		UserID: c.userID,
		Status: models.StatusOnline,
		RoomID: e.RoomID,
	}); err != nil {
		c.log.Warn().Err(err).Msg("failed to publish presence")
	}

	c.log.Info().Str("room", e.RoomID).Int("members", count).Int("queued", len(queued)).Msg("joined room")
}

// ensureSession recreates the session when it expired while the socket stayed open
func (h *WSHandler) ensureSession(ctx context.Context, c *connection) error {
	sess, err := h.deps.Sessions.GetByConnection(ctx, c.id)
	if err != nil {
		return err
	}
	if sess != nil {
		return nil
	}
	id, err := h.deps.Sessions.Create(ctx, c.userID, c.id, c.meta)
	if err != nil {
		return err
	}
	c.sessionID = id
	return nil
}

func (h *WSHandler) handleLeave(ctx context.Context, c *connection, e *models.LeaveEvent) {
	h.leaveRoom(ctx, c, e.RoomID)
	h.reply(c, models.EventLeft, models.LeftPayload{RoomID: e.RoomID})
}

func (h *WSHandler) leaveRoom(ctx context.Context, c *connection, roomID string) {
	h.deps.Router.Hub().Leave(c.id, roomID)
	h.stopTyping(ctx, c.userID, roomID)

	count, err := h.deps.Presence.Leave(ctx, roomID, c.userID)
	if err != nil {
		c.log.Error().Err(err).Str("room", roomID).Msg("failed to leave room")
		return
	}
	publishRoomData(ctx, h.deps, roomID, count)
	c.log.Info().Str("room", roomID).Int("members", count).Msg("left room")
}

// handleSendMessage persists first, confirms to the sender and then settles
// every recipient in the mailbox before the live fan-out.
func (h *WSHandler) handleSendMessage(ctx context.Context, c *connection, e *models.SendMessageEvent) {
	accepted, err := h.deps.Validator.Validate(ctx, c.id, e.RoomID, e.Text, c.limiter)
	if err != nil {
		var ee *models.EventError
		if errors.As(err, &ee) {
			h.replyError(c, ee.WithTempID(e.TempID))
			return
		}
		c.log.Error().Err(err).Str("room", e.RoomID).Msg("message validation failed")
		h.replyError(c, models.ErrPersistence(models.CodeSendFailed).WithTempID(e.TempID))
		return
	}

	msg, err := h.deps.Chat.CreateMessage(ctx, accepted.RoomID, accepted.UserID, e.TempID, accepted.Text)
	if err != nil {
		c.log.Error().Err(err).Str("room", accepted.RoomID).Msg("failed to store message")
		h.replyError(c, models.ErrPersistence(models.CodeSendFailed).WithTempID(e.TempID))
		return
	}

	h.reply(c, models.EventMessageConfirmed, models.ConfirmedPayload{
		TempID:    e.TempID,
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
	})
	h.stopTyping(ctx, c.userID, accepted.RoomID)

	members, err := h.deps.Presence.ListMembers(ctx, accepted.RoomID)
	if err != nil {
		c.log.Error().Err(err).Str("room", accepted.RoomID).Msg("failed to list recipients")
	}
	queued := 0
	for _, member := range members {
		if member == accepted.UserID {
			continue
		}
		d, err := h.deps.Mailbox.DeliverOrEnqueue(ctx, accepted.RoomID, member, *msg)
		if err != nil {
			c.log.Error().Err(err).Str("recipient", member).Int64("message_id", msg.ID).Msg("failed to settle delivery")
			continue
		}
		if d == storage.DeliveredMailbox {
			queued++
		}
	}

	if err := h.deps.Router.PublishRoom(ctx, accepted.RoomID, models.EventMessage, msg, accepted.UserID); err != nil {
		c.log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to publish message")
	}

	c.log.Debug().
		Int64("message_id", msg.ID).
		Str("room", accepted.RoomID).
		Int("queued", queued).
		Msg("message sent")
}

func (h *WSHandler) handleTyping(ctx context.Context, c *connection, e *models.TypingEvent) {
	ok, err := h.deps.Presence.IsMember(ctx, e.RoomID, c.userID)
	if err != nil || !ok {
		return
	}
	if !c.throttle.Allow(models.EventTyping) {
		return
	}
	if err := h.deps.Presence.SetTyping(ctx, e.RoomID, c.userID); err != nil {
		c.log.Warn().Err(err).Msg("failed to set typing")
		return
	}
	payload := models.TypingPayload{RoomID: e.RoomID, User: c.userID, Users: h.typingUsers(ctx, e.RoomID)}
	if err := h.deps.Router.PublishRoom(ctx, e.RoomID, models.EventUserTyping, payload, c.userID); err != nil {
		c.log.Warn().Err(err).Msg("failed to publish typing")
	}
}

func (h *WSHandler) handleStopTyping(ctx context.Context, c *connection, e *models.StopTypingEvent) {
	c.throttle.Forget(models.EventTyping)
	h.stopTyping(ctx, c.userID, e.RoomID)
}

func (h *WSHandler) stopTyping(ctx context.Context, userID, roomID string) {
	if err := h.deps.Presence.ClearTyping(ctx, roomID, userID); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("failed to clear typing")
		return
	}
	payload := models.TypingPayload{RoomID: roomID, User: userID, Users: h.typingUsers(ctx, roomID)}
	if err := h.deps.Router.PublishRoom(ctx, roomID, models.EventUserStoppedTyping, payload, userID); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish stopped typing")
	}
}

// typingUsers is the current typing set of roomID, empty when it cannot be read
func (h *WSHandler) typingUsers(ctx context.Context, roomID string) []string {
	users, err := h.deps.Presence.ListTyping(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("failed to list typing users")
	}
	if users == nil {
		users = []string{}
	}
	return users
}

func (h *WSHandler) handleHeartbeat(ctx context.Context, c *connection, e *models.HeartbeatEvent) {
	if found, err := h.deps.Presence.Heartbeat(ctx, c.userID, c.id); err != nil {
		c.log.Warn().Err(err).Msg("failed to refresh presence")
	} else {
		h.healPresence(ctx, c, found)
	}
	if _, err := h.deps.Sessions.Refresh(ctx, c.sessionID); err != nil {
		c.log.Warn().Err(err).Msg("failed to refresh session")
	}
	h.reply(c, models.EventHeartbeatAck, models.HeartbeatAckPayload{
		Timestamp:       time.Now().UnixMilli(),
		ClientTimestamp: e.Timestamp,
	})
}

func (h *WSHandler) handleSetStatus(ctx context.Context, c *connection, e *models.SetStatusEvent) {
	if err := h.deps.Presence.SetStatus(ctx, c.userID, e.Status); err != nil {
		c.log.Error().Err(err).Msg("failed to set status")
		return
	}
	room := ""
	if p, err := h.deps.Presence.Get(ctx, c.userID); err == nil && p != nil {
		room = p.CurrentRoom
	}
	if err := h.deps.Router.PublishPresence(ctx, models.PresencePayload{
		UserID: c.userID,
		Status: e.Status,
		RoomID: room,
	}); err != nil {
		c.log.Warn().Err(err).Msg("failed to publish status")
	}
}

// healPresence restores the shared presence of a socket that is still open
// in a room: the record may have expired, lost its room to another tab's
// leave, or lost membership to a sweep.
func (h *WSHandler) healPresence(ctx context.Context, c *connection, found bool) {
	room := ""
	if rooms := h.deps.Router.Hub().RoomsOf(c.id); len(rooms) > 0 {
		room = rooms[0]
	}

	if !found {
		if err := h.deps.Presence.SetPresence(ctx, c.userID, models.PresenceUpdate{
			Status:      models.StatusOnline,
			CurrentRoom: room,
		}); err != nil {
			c.log.Warn().Err(err).Msg("failed to restore presence")
			return
		}
	} else if room != "" {
		p, err := h.deps.Presence.Get(ctx, c.userID)
		if err == nil && p != nil && p.CurrentRoom == "" {
			if err := h.deps.Presence.SetCurrentRoom(ctx, c.userID, room); err != nil {
				c.log.Warn().Err(err).Msg("failed to restore current room")
			}
		}
	}
	if room == "" {
		return
	}

	member, err := h.deps.Presence.IsMember(ctx, room, c.userID)
	if err != nil || member {
		return
	}
	if err := h.deps.Presence.AddMember(ctx, room, c.userID); err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("failed to restore membership")
		return
	}
	count, err := h.deps.Presence.CountMembers(ctx, room)
	if err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("failed to count members")
		return
	}
	publishRoomData(ctx, h.deps, room, count)
	c.log.Info().Str("room", room).Msg("membership restored")
}

// rejectEvent reports err to the sender. Store failures are logged and
// replaced by the generic failCode error.
func (h *WSHandler) rejectEvent(c *connection, err error, failCode, msg string) {
	var ee *models.EventError
	if errors.As(err, &ee) {
		h.replyError(c, ee)
		return
	}
	c.log.Error().Err(err).Msg(msg)
	h.replyError(c, models.ErrPersistence(failCode))
}

// findInRoom loads a message and checks it belongs to roomID. A message in
// another room is reported as missing.
func (h *WSHandler) findInRoom(ctx context.Context, messageID int64, roomID string) (*models.Message, error) {
	msg, err := h.deps.Chat.FindMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && (msg == nil || msg.RoomID != roomID)) {
		return nil, models.NewEventError(models.KindValidation, models.CodeMessageNotFound, "Message not found.")
	}
	return msg, err
}

// findOwned is findInRoom restricted to messages authored by userID
func (h *WSHandler) findOwned(ctx context.Context, messageID int64, roomID, userID string) (*models.Message, error) {
	msg, err := h.findInRoom(ctx, messageID, roomID)
	if err != nil {
		return nil, err
	}
	if msg.User != userID {
		return nil, models.NewEventError(models.KindMembership, models.CodeForbidden,
			"You can only change your own messages.")
	}
	return msg, nil
}

func (h *WSHandler) handleEditMessage(ctx context.Context, c *connection, e *models.EditMessageEvent) {
	accepted, err := h.deps.Validator.Authorize(ctx, c.id, e.RoomID)
	if err != nil {
		h.rejectEvent(c, err, models.CodeEditFailed, "edit authorization failed")
		return
	}
	text, err := validation.Sanitize(e.Text, h.opts.MaxMessageLength)
	if err != nil {
		h.rejectEvent(c, err, models.CodeEditFailed, "edit sanitize failed")
		return
	}
	if _, err := h.findOwned(ctx, e.MessageID, accepted.RoomID, accepted.UserID); err != nil {
		h.rejectEvent(c, err, models.CodeEditFailed, "failed to load message for edit")
		return
	}

	msg, err := h.deps.Chat.UpdateMessage(ctx, e.MessageID, text)
	if errors.Is(err, storage.ErrNotFound) {
		err = models.NewEventError(models.KindValidation, models.CodeMessageNotFound, "Message not found.")
	}
	if err != nil {
		h.rejectEvent(c, err, models.CodeEditFailed, "failed to update message")
		return
	}

	editedAt := time.Now().UTC()
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	if err := h.deps.Router.PublishRoom(ctx, accepted.RoomID, models.EventMessageEdited, models.MessageEditedPayload{
		MessageID: msg.ID,
		RoomID:    accepted.RoomID,
		Text:      msg.Text,
		EditedAt:  editedAt,
	}, ""); err != nil {
		c.log.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to publish edit")
	}
	c.log.Debug().Int64("message_id", msg.ID).Msg("message edited")
}

func (h *WSHandler) handleDeleteMessage(ctx context.Context, c *connection, e *models.DeleteMessageEvent) {
	accepted, err := h.deps.Validator.Authorize(ctx, c.id, e.RoomID)
	if err != nil {
		h.rejectEvent(c, err, models.CodeDeleteFailed, "delete authorization failed")
		return
	}
	if _, err := h.findOwned(ctx, e.MessageID, accepted.RoomID, accepted.UserID); err != nil {
		h.rejectEvent(c, err, models.CodeDeleteFailed, "failed to load message for delete")
		return
	}

	err = h.deps.Chat.DeleteMessage(ctx, e.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		err = models.NewEventError(models.KindValidation, models.CodeMessageNotFound, "Message not found.")
	}
	if err != nil {
		h.rejectEvent(c, err, models.CodeDeleteFailed, "failed to delete message")
		return
	}

	if err := h.deps.Router.PublishRoom(ctx, accepted.RoomID, models.EventMessageDeleted, models.MessageDeletedPayload{
		MessageID: e.MessageID,
		RoomID:    accepted.RoomID,
	}, ""); err != nil {
		c.log.Error().Err(err).Int64("message_id", e.MessageID).Msg("failed to publish delete")
	}
	c.log.Debug().Int64("message_id", e.MessageID).Msg("message deleted")
}

func (h *WSHandler) handleReactMessage(ctx context.Context, c *connection, e *models.ReactMessageEvent) {
	accepted, err := h.deps.Validator.Authorize(ctx, c.id, e.RoomID)
	if err != nil {
		h.rejectEvent(c, err, models.CodeReactFailed, "react authorization failed")
		return
	}
	if _, err := h.findInRoom(ctx, e.MessageID, accepted.RoomID); err != nil {
		h.rejectEvent(c, err, models.CodeReactFailed, "failed to load message for reaction")
		return
	}

	r, err := h.deps.Chat.ToggleReaction(ctx, e.MessageID, accepted.UserID, e.Emoji)
	if errors.Is(err, storage.ErrNotFound) {
		err = models.NewEventError(models.KindValidation, models.CodeMessageNotFound, "Message not found.")
	}
	if err != nil {
		h.rejectEvent(c, err, models.CodeReactFailed, "failed to toggle reaction")
		return
	}

	if err := h.deps.Router.PublishRoom(ctx, accepted.RoomID, models.EventMessageReaction, models.ReactionPayload{
		MessageID: r.MessageID,
		RoomID:    accepted.RoomID,
		User:      accepted.UserID,
		Emoji:     r.Emoji,
		Count:     r.Count,
		Action:    r.Action,
	}, ""); err != nil {
		c.log.Error().Err(err).Int64("message_id", r.MessageID).Msg("failed to publish reaction")
	}
}
