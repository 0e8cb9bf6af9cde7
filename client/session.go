// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
)

// Session is one user in one room. It rejoins after every reconnect, sends
// text composed while offline once the rejoin is acknowledged, and debounces
// typing notifications.
type Session struct {
	mgr      *Manager
	store    *MessageStore
	user     string
	debounce time.Duration

	mu          sync.Mutex
	room        string
	typing      bool
	typingTimer *time.Timer
	onEvent     func(models.Frame)
}

func NewSession(mgr *Manager, store *MessageStore, user string) *Session {
	s := &Session{
		mgr:      mgr,
		store:    store,
		user:     user,
		debounce: mgr.cfg.TypingDebounce,
	}
	mgr.OnStateChange(s.handleState)
	mgr.OnFrame(s.handleFrame)
	return s
}

// OnEvent receives every frame the session does not consume itself
// (roomData, presence, typing, system, errors without a tempId).
func (s *Session) OnEvent(fn func(models.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

func (s *Session) Store() *MessageStore { return s.store }

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Join switches rooms. The message list is replaced when history arrives.
func (s *Session) Join(roomID string) error {
	s.mu.Lock()
	changed := s.room != roomID
	s.room = roomID
	s.mu.Unlock()

	if changed {
		s.store.Clear()
	}
	return s.mgr.Emit(models.EventJoin, models.JoinEvent{RoomID: roomID})
}

// Send shows text optimistically and emits it. While disconnected the text is
// queued instead and sent after the next rejoin.
func (s *Session) Send(text string) (string, error) {
	room := s.Room()
	if room == "" {
		return "", errors.New("no room joined")
	}
	if s.mgr.State() != StateConnected {
		return s.store.Queue(text, s.user), nil
	}

	tempID := s.store.AddOptimistic(text, s.user)
	s.StopTyping()
	if err := s.emitMessage(room, tempID, text); err != nil {
		return tempID, err
	}
	return tempID, nil
}

func (s *Session) emitMessage(room, tempID, text string) error {
	err := s.mgr.Emit(models.EventSendMessage, models.SendMessageEvent{TempID: tempID, RoomID: room, Text: text})
	if err != nil {
		s.store.MarkFailed(tempID, err)
	}
	return err
}

// Retry resends a failed message under its original tempId. Retrying a message
// that is not FAILED does nothing.
func (s *Session) Retry(tempID string) error {
	msg, ok := s.store.Retry(tempID)
	if !ok {
		return nil
	}
	return s.emitMessage(s.Room(), msg.TempID, msg.Text)
}

// Edit asks the server to replace the text of one of our messages. The list
// changes when the messageEdited broadcast comes back.
func (s *Session) Edit(messageID int64, text string) error {
	return s.mgr.Emit(models.EventEditMessage, models.EditMessageEvent{MessageID: messageID, RoomID: s.Room(), Text: text})
}

func (s *Session) Delete(messageID int64) error {
	return s.mgr.Emit(models.EventDeleteMsg, models.DeleteMessageEvent{MessageID: messageID, RoomID: s.Room()})
}

// React toggles emoji on a message
func (s *Session) React(messageID int64, emoji string) error {
	return s.mgr.Emit(models.EventReact, models.ReactMessageEvent{MessageID: messageID, RoomID: s.Room(), Emoji: emoji})
}

// Typing announces typing once and re-arms the stop timer on every keystroke
func (s *Session) Typing() {
	s.mu.Lock()
	room := s.room
	first := !s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.debounce, s.StopTyping)
	s.mu.Unlock()

	if first && room != "" {
		s.mgr.Emit(models.EventTyping, models.TypingEvent{RoomID: room})
	}
}

func (s *Session) StopTyping() {
	s.mu.Lock()
	room := s.room
	wasTyping := s.typing
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	if wasTyping && room != "" {
		s.mgr.Emit(models.EventStopTyping, models.StopTypingEvent{RoomID: room})
	}
}

// Close stops the typing timer and the transport
func (s *Session) Close() error {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typing = false
	s.mu.Unlock()
	return s.mgr.Close()
}

func (s *Session) handleState(state State) {
	if state != StateConnected {
		s.mu.Lock()
		s.typing = false
		s.mu.Unlock()
		// History after the rejoin settles any of these the server did store
		s.store.FailSending(ErrConnectionLost)
		return
	}
	if room := s.Room(); room != "" {
		s.mgr.Emit(models.EventJoin, models.JoinEvent{RoomID: room})
	}
}

func (s *Session) handleFrame(f models.Frame) {
	switch f.Event {
	case models.EventMessageHistory:
		var p models.HistoryPayload
		if json.Unmarshal(f.Data, &p) != nil || p.RoomID != s.Room() {
			return
		}
		s.store.SetAll(p.Messages)
		s.flush(p.RoomID)

	case models.EventMailbox:
		var p models.MailboxPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		room := s.Room()
		for _, q := range p.Messages {
			if q.Message.RoomID == room {
				s.store.AddReceived(q.Message)
			}
		}

	case models.EventMessage:
		var msg models.Message
		if json.Unmarshal(f.Data, &msg) != nil || msg.RoomID != s.Room() {
			return
		}
		s.store.AddReceived(msg)

	case models.EventMessageConfirmed:
		var p models.ConfirmedPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		s.store.Confirm(p.TempID, ServerAck{ID: p.ID, Timestamp: p.Timestamp})

	case models.EventMessageEdited:
		var p models.MessageEditedPayload
		if json.Unmarshal(f.Data, &p) != nil || p.RoomID != s.Room() {
			return
		}
		s.store.ApplyEdit(p.MessageID, p.Text)

	case models.EventMessageDeleted:
		var p models.MessageDeletedPayload
		if json.Unmarshal(f.Data, &p) != nil || p.RoomID != s.Room() {
			return
		}
		s.store.Remove(p.MessageID)

	case models.EventMessageReaction:
		var p models.ReactionPayload
		if json.Unmarshal(f.Data, &p) != nil || p.RoomID != s.Room() {
			return
		}
		s.store.ApplyReaction(p.MessageID, p.Emoji, p.Count)

	case models.EventErrorFrame:
		var e models.EventError
		if json.Unmarshal(f.Data, &e) != nil {
			return
		}
		if e.TempID != "" {
			s.store.MarkFailed(e.TempID, &e)
		}
		if e.Rejoin {
			if room := s.Room(); room != "" {
				s.mgr.Emit(models.EventJoin, models.JoinEvent{RoomID: room})
			}
		}
		if e.TempID == "" {
			s.forward(f)
		}

	default:
		s.forward(f)
	}
}

func (s *Session) forward(f models.Frame) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// flush sends text queued while offline, in the order it was written
func (s *Session) flush(room string) {
	for _, q := range s.store.promoteQueued() {
		s.emitMessage(room, q.TempID, q.Text)
	}
}
