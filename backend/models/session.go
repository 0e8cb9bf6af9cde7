// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Session binds an opaque session id to a verified user and their live connection
type Session struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	UserAgent    string    `json:"userAgent"`
	IP           string    `json:"ip"`
}

type SessionMetadata struct {
	UserAgent string
	IP        string
}

// SessionUpdate carries the fields to rewrite. Nil fields are left untouched.
type SessionUpdate struct {
	ConnectionID *string
	UserAgent    *string
	IP           *string
}
