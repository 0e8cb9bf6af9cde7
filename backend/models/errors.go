// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindMembership     ErrorKind = "membership"
	KindValidation     ErrorKind = "validation"
	KindRateLimit      ErrorKind = "rate_limit"
	KindConnection     ErrorKind = "connection"
	KindPersistence    ErrorKind = "persistence"
)

// Reason codes reported to the sender
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNotInRoom        = "NOT_IN_ROOM"
	CodeRoomNotFound     = "ROOM_NOT_FOUND"
	CodeEmptyMessage     = "EMPTY_MESSAGE"
	CodeMessageTooLong   = "MESSAGE_TOO_LONG"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidEvent     = "INVALID_EVENT"
	CodeSendFailed       = "SEND_FAILED"
	CodeJoinFailed       = "JOIN_FAILED"
	CodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeEditFailed       = "EDIT_FAILED"
	CodeDeleteFailed     = "DELETE_FAILED"
	CodeReactFailed      = "REACT_FAILED"
)

// EventError is a failure reported only to the originating connection.
type EventError struct {
	Kind         ErrorKind `json:"-"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	TempID       string    `json:"tempId,omitempty"`
	Rejoin       bool      `json:"rejoin,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewEventError(kind ErrorKind, code, message string) *EventError {
	return &EventError{Kind: kind, Code: code, Message: message}
}

// WithTempID returns a copy of e tagged with the message tempId it refers to
func (e *EventError) WithTempID(tempID string) *EventError {
	cp := *e
	cp.TempID = tempID
	return &cp
}

func (e *EventError) WithRetryAfter(d time.Duration) *EventError {
	cp := *e
	cp.RetryAfterMs = d.Milliseconds()
	return &cp
}

// IsCode reports whether err is an EventError carrying code.
func IsCode(err error, code string) bool {
	var ee *EventError
	return errors.As(err, &ee) && ee.Code == code
}

func ErrNotAuthenticated() *EventError {
	return &EventError{
		Kind:    KindAuthentication,
		Code:    CodeNotAuthenticated,
		Message: "User not authenticated. Please rejoin the room.",
		Rejoin:  true,
	}
}

// ErrPersistence is the generic error shown to a client when the store fails.
// Details stay in the server log.
func ErrPersistence(code string) *EventError {
	msg := "Failed to send message"
	switch code {
	case CodeJoinFailed:
		msg = "Failed to join room"
	case CodeEditFailed:
		msg = "Failed to edit message"
	case CodeDeleteFailed:
		msg = "Failed to delete message"
	case CodeReactFailed:
		msg = "Failed to react to message"
	}
	return &EventError{Kind: KindPersistence, Code: code, Message: msg}
}
