// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

// messageColumns is the projection every message read scans with scanMessage
const messageColumns = `id, room_name, username, temp_id, text, created_at, is_edited, edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m        models.Message
		editedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.User, &m.TempID, &m.Text, &m.Timestamp, &m.Edited, &editedAt)
	if err != nil {
		return m, err
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return m, nil
}

// CreateMessage persists text and assigns its durable id. The author is
// recorded in users on first use. tempID is stored so history can be matched
// against the sender's optimistic copy.
func (s *Store) CreateMessage(ctx context.Context, roomID, userID, tempID, text string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (username, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (username) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to record author: %w", err)
	}

	msg := models.Message{RoomID: roomID, User: userID, TempID: tempID, Text: text}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (room_name, username, temp_id, text, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		roomID, userID, tempID, text,
	).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns up to limit messages older than the before cursor (all
// when before is 0), oldest first. NextCursor is set when older messages remain.
func (s *Store) ListMessages(ctx context.Context, roomID string, before int64, limit int) (*models.MessagePage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	// One extra row tells us whether another page exists
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_name = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`,
		roomID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	page := &models.MessagePage{}
	if len(messages) > limit {
		messages = messages[:limit]
		page.NextCursor = messages[limit-1].ID
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if err := s.attachReactions(ctx, messages); err != nil {
		return nil, err
	}
	page.Messages = messages
	return page, nil
}

// attachReactions fills per-emoji counts for one page in a single query
func (s *Store) attachReactions(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]int64, len(messages))
	index := make(map[int64]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, COUNT(*)
		FROM message_reactions
		WHERE message_id = ANY($1)
		GROUP BY message_id, emoji`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			emoji string
			count int
		)
		if err := rows.Scan(&id, &emoji, &count); err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		if messages[i].Reactions == nil {
			messages[i].Reactions = make(map[string]int)
		}
		messages[i].Reactions[emoji] = count
	}
	return rows.Err()
}

func (s *Store) FindMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &m, nil
}

// UpdateMessage replaces the text and marks the message edited
func (s *Store) UpdateMessage(ctx context.Context, messageID int64, text string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET text = $1, is_edited = TRUE, edited_at = NOW()
		WHERE id = $2
		RETURNING `+messageColumns,
		text, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	return &m, nil
}

// DeleteMessage removes a message; its reactions go with it
func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ToggleReaction removes the user's emoji from the message if present and adds
// it otherwise, returning the emoji's new total.
func (s *Store) ToggleReaction(ctx context.Context, messageID int64, userID, emoji string) (*models.Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r := &models.Reaction{MessageID: messageID, Emoji: emoji, Action: models.ReactionRemoved}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND username = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("failed to remove reaction: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to remove reaction: %w", err)
	} else if n == 0 {
		r.Action = models.ReactionAdded
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, username, emoji, created_at)
			VALUES ($1, $2, $3, NOW())`,
			messageID, userID, emoji)
		if isForeignKeyViolation(err) {
			return nil, storage.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add reaction: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_reactions
		WHERE message_id = $1 AND emoji = $2`,
		messageID, emoji).Scan(&r.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to count reactions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reaction: %w", err)
	}
	return r, nil
}
