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
	"time"
)

// Message is a chat message that has been assigned a durable id by the store.
// TempID is the sender's optimistic id, echoed so the sender can reconcile
// a message whose confirmation it never received.
type Message struct {
	ID        int64          `json:"id" db:"id"`
	TempID    string         `json:"tempId,omitempty" db:"temp_id"`
	RoomID    string         `json:"roomId" db:"room_name"`
	User      string         `json:"user" db:"username"`
	Text      string         `json:"text" db:"text"`
	Timestamp time.Time      `json:"timestamp" db:"created_at"`
	Edited    bool           `json:"edited,omitempty" db:"is_edited"`
	EditedAt  *time.Time     `json:"editedAt,omitempty" db:"edited_at"`
	Reactions map[string]int `json:"reactions,omitempty"`
}

// ReactionAction is what a reaction toggle did
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// Reaction is the result of toggling one emoji on a message for one user
type Reaction struct {
	MessageID int64          `json:"messageId"`
	Emoji     string         `json:"emoji"`
	Count     int            `json:"count"`
	Action    ReactionAction `json:"action"`
}

// QueuedMessage is a mailbox entry held for a recipient with no live connection
type QueuedMessage struct {
	Message  Message   `json:"message"`
	QueuedAt time.Time `json:"queuedAt"`
}

// MessagePage is one newest-first page of room history. NextCursor is zero on the last page.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor int64     `json:"nextCursor,omitempty"`
}

type Room struct {
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Creator     string    `json:"creator" db:"creator"`
	IsPrivate   bool      `json:"isPrivate" db:"is_private"`
	MemberCount int       `json:"memberCount" db:"member_count"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// User is the display identity a user id resolves to
type User struct {
	Username  string    `json:"username" db:"username"`
	Avatar    string    `json:"avatar,omitempty" db:"avatar"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
