// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"fmt"
)

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Users are created on first message; identity comes from the auth token
		`CREATE TABLE IF NOT EXISTS users (
			username VARCHAR(50) PRIMARY KEY,
			avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			name VARCHAR(100) PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			creator VARCHAR(50) NOT NULL DEFAULT '',
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			member_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			room_name VARCHAR(100) NOT NULL,
			username VARCHAR(50) NOT NULL,
			temp_id VARCHAR(64) NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_edited BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at TIMESTAMP,
			FOREIGN KEY (room_name) REFERENCES rooms(name) ON DELETE CASCADE
		)`,

		// Databases created before edits and temp ids were stored
		`ALTER TABLE messages
			ADD COLUMN IF NOT EXISTS temp_id VARCHAR(64) NOT NULL DEFAULT '',
			ADD COLUMN IF NOT EXISTS is_edited BOOLEAN NOT NULL DEFAULT FALSE,
			ADD COLUMN IF NOT EXISTS edited_at TIMESTAMP`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			username VARCHAR(50) NOT NULL,
			emoji VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, username, emoji)
		)`,

		// History pages walk backwards by id within a room
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id
		ON messages(room_name, id DESC)`,

		`INSERT INTO rooms (name, description, creator)
		VALUES ('general', 'General discussion', 'system')
		ON CONFLICT (name) DO NOTHING`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return tx.Commit()
}
