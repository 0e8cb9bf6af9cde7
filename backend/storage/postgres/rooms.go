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
	"fmt"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

func (s *Store) CreateRoom(ctx context.Context, room models.Room) (*models.Room, error) {
	created := room
	created.Name = models.NormalizeRoomID(room.Name)
	created.MemberCount = 0

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rooms (name, description, creator, is_private, member_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		RETURNING created_at`,
		created.Name, created.Description, created.Creator, created.IsPrivate,
	).Scan(&created.CreatedAt)
	if isUniqueViolation(err) {
		return nil, storage.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return &created, nil
}

// FindRoom returns storage.ErrNotFound when no room has that name
func (s *Store) FindRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, creator, is_private, member_count, created_at
		FROM rooms WHERE name = $1`, roomID).Scan(
		&room.Name, &room.Description, &room.Creator, &room.IsPrivate,
		&room.MemberCount, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, creator, is_private, member_count, created_at
		FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.Name, &room.Description, &room.Creator,
			&room.IsPrivate, &room.MemberCount, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// UpdateMemberCount stores the advisory member count shown in room listings
func (s *Store) UpdateMemberCount(ctx context.Context, roomID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET member_count = $1, updated_at = NOW()
		WHERE name = $2`,
		count, roomID)
	if err != nil {
		return fmt.Errorf("failed to update member count: %w", err)
	}
	return nil
}
