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

package storage

import (
	"context"
	"errors"

	"github.com/efchatnet/efrelay/backend/models"
)

var (
	// ErrNotFound is returned by the chat store when a room or user does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a room whose name is taken
	ErrAlreadyExists = errors.New("already exists")
)

type SessionStore interface {
	Create(ctx context.Context, userID, connectionID string, meta models.SessionMetadata) (string, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error)
	Refresh(ctx context.Context, sessionID string) (bool, error)
	GetByConnection(ctx context.Context, connectionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, update models.PresenceUpdate) error
	Get(ctx context.Context, userID string) (*models.Presence, error)
	SetStatus(ctx context.Context, userID string, status models.PresenceStatus) error
	SetCurrentRoom(ctx context.Context, userID, roomID string) error
	Heartbeat(ctx context.Context, userID, connectionID string) (bool, error)
	Delete(ctx context.Context, userID string) error

	// Live sockets across every instance
	AddConnection(ctx context.Context, userID, connectionID string) error
	DropConnection(ctx context.Context, userID, connectionID string) (int, error)
	LiveConnections(ctx context.Context, userID string) (int, error)

	// Membership
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	ListMembers(ctx context.Context, roomID string) ([]string, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	CountMembers(ctx context.Context, roomID string) (int, error)
	Join(ctx context.Context, roomID, userID string) (int, error)
	Leave(ctx context.Context, roomID, userID string) (int, error)
	PruneRoom(ctx context.Context, roomID string) ([]string, error)

	// Typing indicators
	SetTyping(ctx context.Context, roomID, userID string) error
	ClearTyping(ctx context.Context, roomID, userID string) error
	ListTyping(ctx context.Context, roomID string) ([]string, error)
}

// Delivery is the outcome of DeliverOrEnqueue for one recipient
type Delivery int

const (
	DeliveredLive Delivery = iota
	DeliveredMailbox
)

type Mailbox interface {
	Enqueue(ctx context.Context, userID string, msg models.Message) error
	DeliverOrEnqueue(ctx context.Context, roomID, userID string, msg models.Message) (Delivery, error)
	Drain(ctx context.Context, userID string) ([]models.QueuedMessage, error)
	Peek(ctx context.Context, userID string) ([]models.QueuedMessage, error)
	Len(ctx context.Context, userID string) (int64, error)
	Clear(ctx context.Context, userID string) error
}

// RoomFinder is the slice of the chat store the validation pipeline needs
type RoomFinder interface {
	FindRoom(ctx context.Context, roomID string) (*models.Room, error)
}

// ChatStore is the relational collaborator holding rooms, users and messages.
type ChatStore interface {
	RoomFinder

	CreateRoom(ctx context.Context, room models.Room) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	UpdateMemberCount(ctx context.Context, roomID string, count int) error

	CreateMessage(ctx context.Context, roomID, userID, tempID, text string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string, before int64, limit int) (*models.MessagePage, error)
	FindMessage(ctx context.Context, messageID int64) (*models.Message, error)
	UpdateMessage(ctx context.Context, messageID int64, text string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	ToggleReaction(ctx context.Context, messageID int64, userID, emoji string) (*models.Reaction, error)

	FindUser(ctx context.Context, userID string) (*models.User, error)
	FindUsers(ctx context.Context, userIDs []string) (map[string]models.User, error)

	Ping(ctx context.Context) error
}
