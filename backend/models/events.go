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

package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type EventName string

// Client -> server events
const (
	EventJoin        EventName = "join"
	EventLeave       EventName = "leave"
	EventSendMessage EventName = "sendMessage"
	EventTyping      EventName = "typing"
	EventStopTyping  EventName = "stopTyping"
	EventHeartbeat   EventName = "heartbeat"
	EventSetStatus   EventName = "setStatus"
	EventEditMessage EventName = "editMessage"
	EventDeleteMsg   EventName = "deleteMessage"
	EventReact       EventName = "reactMessage"
)

// Server -> client events
const (
	EventConnected         EventName = "connected"
	EventMessageHistory    EventName = "messageHistory"
	EventMailbox           EventName = "mailbox"
	EventMessage           EventName = "message"
	EventRoomData          EventName = "roomData"
	EventPresenceUpdate    EventName = "presence:update"
	EventUserTyping        EventName = "userTyping"
	EventUserStoppedTyping EventName = "userStoppedTyping"
	EventMessageConfirmed  EventName = "messageConfirmed"
	EventHeartbeatAck      EventName = "heartbeat:ack"
	EventLeft              EventName = "left"
	EventSystem            EventName = "system"
	EventMessageEdited     EventName = "messageEdited"
	EventMessageDeleted    EventName = "messageDeleted"
	EventMessageReaction   EventName = "messageReaction"
	EventErrorFrame        EventName = "error"
)

// Frame is the envelope of every websocket message in both directions
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is the closed set of payloads a client may send.
type ClientEvent interface {
	Name() EventName
}

type JoinEvent struct {
	UserID string `json:"userId,omitempty" validate:"omitempty,max=50"`
	RoomID string `json:"roomId" validate:"required,roomid"`
}

type LeaveEvent struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
}

// SendMessageEvent carries raw text; content rules are enforced by the validation pipeline
type SendMessageEvent struct {
	TempID string `json:"tempId" validate:"required,max=64"`
	RoomID string `json:"roomId" validate:"required,roomid"`
	Text   string `json:"text"`
}

type TypingEvent struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
}

type StopTypingEvent struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
}

type HeartbeatEvent struct {
	Timestamp int64 `json:"timestamp" validate:"gte=0"`
}

type SetStatusEvent struct {
	Status PresenceStatus `json:"status" validate:"required,oneof=online away busy"`
}

// EditMessageEvent replaces the text of a message the sender authored
type EditMessageEvent struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	RoomID    string `json:"roomId" validate:"required,roomid"`
	Text      string `json:"text"`
}

type DeleteMessageEvent struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	RoomID    string `json:"roomId" validate:"required,roomid"`
}

// ReactMessageEvent toggles the sender's reaction; a second identical event removes it.
type ReactMessageEvent struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	RoomID    string `json:"roomId" validate:"required,roomid"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

func (JoinEvent) Name() EventName        { return EventJoin }
func (LeaveEvent) Name() EventName       { return EventLeave }
func (SendMessageEvent) Name() EventName { return EventSendMessage }
func (TypingEvent) Name() EventName      { return EventTyping }
func (StopTypingEvent) Name() EventName  { return EventStopTyping }
func (HeartbeatEvent) Name() EventName   { return EventHeartbeat }
func (SetStatusEvent) Name() EventName   { return EventSetStatus }

func (EditMessageEvent) Name() EventName   { return EventEditMessage }
func (DeleteMessageEvent) Name() EventName { return EventDeleteMsg }
func (ReactMessageEvent) Name() EventName  { return EventReact }

// Server payloads

type ConnectedPayload struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

type HistoryPayload struct {
	RoomID     string    `json:"roomId"`
	Messages   []Message `json:"messages"`
	NextCursor int64     `json:"nextCursor,omitempty"`
}

type MailboxPayload struct {
	Messages []QueuedMessage `json:"messages"`
}

type RoomDataPayload struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
	Count  int        `json:"count"`
	Typing []string   `json:"typing,omitempty"`
}

type PresencePayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	RoomID   string         `json:"roomId,omitempty"`
	LastSeen int64          `json:"lastSeen"`
}

// TypingPayload names the user whose state changed; Users is everyone still typing.
type TypingPayload struct {
	RoomID string   `json:"roomId"`
	User   string   `json:"user"`
	Users  []string `json:"users"`
}

type ConfirmedPayload struct {
	TempID    string    `json:"tempId"`
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageEditedPayload struct {
	MessageID int64     `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Text      string    `json:"text"`
	EditedAt  time.Time `json:"editedAt"`
}

type MessageDeletedPayload struct {
	MessageID int64  `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type ReactionPayload struct {
	MessageID int64          `json:"messageId"`
	RoomID    string         `json:"roomId"`
	User      string         `json:"user"`
	Emoji     string         `json:"emoji"`
	Count     int            `json:"count"`
	Action    ReactionAction `json:"action"`
}

type HeartbeatAckPayload struct {
	Timestamp       int64 `json:"timestamp"`
	ClientTimestamp int64 `json:"clientTimestamp"`
}

type LeftPayload struct {
	RoomID string `json:"roomId"`
}

type SystemPayload struct {
	Text      string    `json:"text" validate:"required,max=500"`
	Timestamp time.Time `json:"timestamp"`
}

var roomIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,99}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate runs the struct tags of v through the shared validator instance
func Validate(v any) error {
	return validate.Struct(v)
}

// NormalizeRoomID trims and lowercases a room id the way the store keys rooms.
func NormalizeRoomID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// DecodeClientEvent parses a raw frame into its typed payload and validates it.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var ev ClientEvent
	switch frame.Event {
	case EventJoin:
		ev = &JoinEvent{}
	case EventLeave:
		ev = &LeaveEvent{}
	case EventSendMessage:
		ev = &SendMessageEvent{}
	case EventTyping:
		ev = &TypingEvent{}
	case EventStopTyping:
		ev = &StopTypingEvent{}
	case EventHeartbeat:
		ev = &HeartbeatEvent{}
	case EventSetStatus:
		ev = &SetStatusEvent{}
	case EventEditMessage:
		ev = &EditMessageEvent{}
	case EventDeleteMsg:
		ev = &DeleteMessageEvent{}
	case EventReact:
		ev = &ReactMessageEvent{}
	default:
		return nil, fmt.Errorf("unknown event %q", frame.Event)
	}

	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", frame.Event, err)
		}
	}

	normalizeRoom(ev)
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", frame.Event, err)
	}
	return ev, nil
}

func normalizeRoom(ev ClientEvent) {
	switch e := ev.(type) {
	case *JoinEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *LeaveEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *SendMessageEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *TypingEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *StopTypingEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *EditMessageEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *DeleteMessageEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	case *ReactMessageEvent:
		e.RoomID = NormalizeRoomID(e.RoomID)
	}
}

// TempIDOf pulls data.tempId out of a raw frame without validating anything
// else, so a rejected sendMessage can still be matched to its optimistic entry.
func TempIDOf(raw []byte) string {
	var frame struct {
		Data struct {
			TempID any `json:"tempId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ""
	}
	id, ok := frame.Data.TempID.(string)
	if !ok || len(id) > 64 {
		return ""
	}
	return id
}

// EncodeFrame marshals data under the given event name.
func EncodeFrame(event EventName, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}
