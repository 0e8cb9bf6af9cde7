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

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the four known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Presence is the TTL-bound record of a single user. A missing record means offline.
type Presence struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	CurrentRoom  string         `json:"currentRoom,omitempty"`
	Typing       bool           `json:"typing"`
	LastActivity time.Time      `json:"lastActivity"`
}

// IsOnlineIn reports whether the record shows the user online inside roomID.
func (p *Presence) IsOnlineIn(roomID string) bool {
	return p != nil && p.Status != StatusOffline && p.CurrentRoom == roomID
}

type PresenceUpdate struct {
	Status      PresenceStatus
	CurrentRoom string
	Typing      bool
}

// RoomUser is a member entry as shown in roomData and the members endpoint
type RoomUser struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Avatar   string         `json:"avatar,omitempty"`
	Status   PresenceStatus `json:"status"`
}
