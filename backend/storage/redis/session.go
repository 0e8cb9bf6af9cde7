// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efrelay/backend/models"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour

	sessionPrefix     = "session:"      // session:{sessionId} - HASH
	sessionConnPrefix = "session:conn:" // session:conn:{connectionId} - STRING sessionId

	sessionIDBytes = 32
)

type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

func sessionKey(sessionID string) string        { return sessionPrefix + sessionID }
func sessionConnKey(connectionID string) string { return sessionConnPrefix + connectionID }

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Create registers a session for userID bound to connectionID and returns its id
func (s *SessionStore) Create(ctx context.Context, userID, connectionID string, meta models.SessionMetadata) (string, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	key := sessionKey(sessionID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"userId", userID,
			"connectionId", connectionID,
			"connectedAt", strconv.FormatInt(s.now().UnixMilli(), 10),
			"userAgent", meta.UserAgent,
			"ip", meta.IP,
		)
		p.Expire(ctx, key, s.ttl)
		p.Set(ctx, sessionConnKey(connectionID), sessionID, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return sessionID, nil
}

// Get returns nil without error when the session does not exist
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return sessionFromHash(sessionID, data), nil
}

func sessionFromHash(sessionID string, data map[string]string) *models.Session {
	sess := &models.Session{
		SessionID:    sessionID,
		UserID:       data["userId"],
		ConnectionID: data["connectionId"],
		UserAgent:    data["userAgent"],
		IP:           data["ip"],
	}
	if ms, err := strconv.ParseInt(data["connectedAt"], 10, 64); err == nil {
		sess.ConnectedAt = time.UnixMilli(ms)
	}
	return sess
}

// Update rewrites the selected fields. Moving a session to a new connection
// drops the old index entry and points the new one at the session.
func (s *SessionStore) Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error) {
	key := sessionKey(sessionID)

	var updated *models.Session
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		current := sessionFromHash(sessionID, data)
		oldConn := current.ConnectionID

		fields := []interface{}{}
		if update.ConnectionID != nil {
			current.ConnectionID = *update.ConnectionID
			fields = append(fields, "connectionId", current.ConnectionID)
		}
		if update.UserAgent != nil {
			current.UserAgent = *update.UserAgent
			fields = append(fields, "userAgent", current.UserAgent)
		}
		if update.IP != nil {
			current.IP = *update.IP
			fields = append(fields, "ip", current.IP)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(fields) > 0 {
				p.HSet(ctx, key, fields...)
			}
			p.Expire(ctx, key, s.ttl)
			if oldConn != "" && oldConn != current.ConnectionID {
				p.Del(ctx, sessionConnKey(oldConn))
			}
			if current.ConnectionID != "" {
				p.Set(ctx, sessionConnKey(current.ConnectionID), sessionID, s.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = current
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update session: %w", redis.TxFailedErr)
}

// Refresh extends the session and its connection index. It reports false
// when the session no longer exists.
func (s *SessionStore) Refresh(ctx context.Context, sessionID string) (bool, error) {
	key := sessionKey(sessionID)
	conn, err := s.rdb.HGet(ctx, key, "connectionId").Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, key, s.ttl)
		if conn != "" {
			p.Expire(ctx, sessionConnKey(conn), s.ttl)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}
	return true, nil
}

// GetByConnection resolves a live connection to its session through the
// secondary index. Index entries that outlived their session are removed.
func (s *SessionStore) GetByConnection(ctx context.Context, connectionID string) (*models.Session, error) {
	indexKey := sessionConnKey(connectionID)
	sessionID, err := s.rdb.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.ConnectionID != connectionID {
		s.rdb.Del(ctx, indexKey)
		return nil, nil
	}
	return sess, nil
}

// Delete removes the session and its index entry; deleting twice is not an error
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	conn, err := s.rdb.HGet(ctx, key, "connectionId").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if conn != "" {
			p.Del(ctx, sessionConnKey(conn))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
