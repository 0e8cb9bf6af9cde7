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

// Package validation gates every outbound chat message: the sender must hold a
// session, belong to the room, send acceptable text and stay under the rate limit.
package validation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

const DefaultMaxMessageLength = 500

var (
	scriptPattern = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	iframePattern = regexp.MustCompile(`(?is)<iframe\b.*?</iframe\s*>`)
)

// SessionLookup resolves the session bound to a live connection
type SessionLookup interface {
	GetByConnection(ctx context.Context, connectionID string) (*models.Session, error)
}

// MembershipChecker answers room membership questions
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Accepted is what a message looks like once it has passed every stage
type Accepted struct {
	UserID string
	RoomID string
	Text   string
	Room   *models.Room
}

type Validator struct {
	sessions  SessionLookup
	members   MembershipChecker
	rooms     storage.RoomFinder
	maxLength int
}

func NewValidator(sessions SessionLookup, members MembershipChecker, rooms storage.RoomFinder, maxLength int) *Validator {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Validator{
		sessions:  sessions,
		members:   members,
		rooms:     rooms,
		maxLength: maxLength,
	}
}

// Validate runs the stages in order and stops at the first failure. Rejections
// are *models.EventError; any other error came from a store.
func (v *Validator) Validate(ctx context.Context, connectionID, roomID, text string, limiter Limiter) (*Accepted, error) {
	accepted, err := v.Authorize(ctx, connectionID, roomID)
	if err != nil {
		return nil, err
	}

	clean, err := Sanitize(text, v.maxLength)
	if err != nil {
		return nil, err
	}

	if limiter != nil {
		if res := limiter.Allow(); !res.Allowed {
			return nil, models.NewEventError(models.KindRateLimit, models.CodeRateLimited,
				"You are sending messages too quickly. Please slow down.").WithRetryAfter(res.RetryAfter)
		}
	}

	accepted.Text = clean
	return accepted, nil
}

// Authorize runs only the session and membership stages. It gates events that
// act on existing messages rather than carrying new text.
func (v *Validator) Authorize(ctx context.Context, connectionID, roomID string) (*Accepted, error) {
	userID, err := v.authenticate(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	room, err := v.checkMembership(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return &Accepted{UserID: userID, RoomID: roomID, Room: room}, nil
}

func (v *Validator) authenticate(ctx context.Context, connectionID string) (string, error) {
	sess, err := v.sessions.GetByConnection(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve session: %w", err)
	}
	if sess == nil || sess.UserID == "" {
		return "", models.ErrNotAuthenticated()
	}
	return sess.UserID, nil
}

func (v *Validator) checkMembership(ctx context.Context, roomID, userID string) (*models.Room, error) {
	ok, err := v.members.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		// Membership can lapse while the socket stays open, so the client is told to join again
		ee := models.NewEventError(models.KindMembership, models.CodeNotInRoom,
			"You are not a member of this room.")
		ee.Rejoin = true
		return nil, ee
	}

	room, err := v.rooms.FindRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && room == nil) {
		return nil, models.NewEventError(models.KindMembership, models.CodeRoomNotFound,
			"Room does not exist.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return room, nil
}

// Sanitize trims text, enforces the length bounds and strips embedded script
// and iframe elements and control characters other than tab and newline.
func Sanitize(text string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", models.NewEventError(models.KindValidation, models.CodeEmptyMessage,
			"Message cannot be empty.")
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", models.NewEventError(models.KindValidation, models.CodeMessageTooLong,
			fmt.Sprintf("Message is too long. Maximum %d characters.", maxLength))
	}

	cleaned := scriptPattern.ReplaceAllString(trimmed, "")
	cleaned = iframePattern.ReplaceAllString(cleaned, "")

	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
	}

	result := strings.TrimSpace(b.String())
	if result == "" {
		return "", models.NewEventError(models.KindValidation, models.CodeEmptyMessage,
			"Message cannot be empty.")
	}
	return result, nil
}
