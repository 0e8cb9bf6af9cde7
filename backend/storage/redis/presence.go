// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efrelay/backend/models"
)

const (
	DefaultPresenceTTL  = 5 * time.Minute // presence expires unless refreshed
	DefaultTypingWindow = 5 * time.Second // typing entries older than this are stale

	// Redis key prefixes
	presencePrefix = "presence:" // presence:{userId} - HASH, presence:{userId}:conns - ZSET
	roomPrefix     = "room:"     // room:{roomId}:members - SET, room:{roomId}:typing - ZSET
)

type PresenceConfig struct {
	TTL          time.Duration
	TypingWindow time.Duration
}

func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		TTL:          DefaultPresenceTTL,
		TypingWindow: DefaultTypingWindow,
	}
}

type PresenceStore struct {
	rdb *redis.Client
	cfg PresenceConfig
	now func() time.Time
}

func NewPresenceStore(rdb *redis.Client, cfg PresenceConfig) *PresenceStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPresenceTTL
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = DefaultTypingWindow
	}
	return &PresenceStore{
		rdb: rdb,
		cfg: cfg,
		now: time.Now,
	}
}

func presenceKey(userID string) string { return presencePrefix + userID }
func connsKey(userID string) string    { return presencePrefix + userID + ":conns" }
func membersKey(roomID string) string  { return roomPrefix + roomID + ":members" }
func typingKey(roomID string) string   { return roomPrefix + roomID + ":typing" }

func (s *PresenceStore) nowMs() int64 {
	return s.now().UnixMilli()
}

// SetPresence upserts the whole record and resets its expiry window
func (s *PresenceStore) SetPresence(ctx context.Context, userID string, update models.PresenceUpdate) error {
	status := update.Status
	if status == "" {
		status = models.StatusOnline
	}

	key := presenceKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"status", string(status),
			"currentRoom", update.CurrentRoom,
			"typing", strconv.FormatBool(update.Typing),
			"lastActivity", strconv.FormatInt(s.nowMs(), 10),
		)
		p.PExpire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// Get returns nil without error when the record has expired; callers treat that as offline.
func (s *PresenceStore) Get(ctx context.Context, userID string) (*models.Presence, error) {
	data, err := s.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	p := &models.Presence{
		UserID:      userID,
		Status:      models.PresenceStatus(data["status"]),
		CurrentRoom: data["currentRoom"],
		Typing:      data["typing"] == "true",
	}
	if ms, err := strconv.ParseInt(data["lastActivity"], 10, 64); err == nil {
		p.LastActivity = time.UnixMilli(ms)
	}
	if !p.Status.Valid() {
		p.Status = models.StatusOnline
	}
	return p, nil
}

// SetStatus rewrites the status field only, marking activity and refreshing expiry
func (s *PresenceStore) SetStatus(ctx context.Context, userID string, status models.PresenceStatus) error {
	key := presenceKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"status", string(status),
			"lastActivity", strconv.FormatInt(s.nowMs(), 10),
		)
		p.PExpire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// SetCurrentRoom points the record at roomID without touching membership
func (s *PresenceStore) SetCurrentRoom(ctx context.Context, userID, roomID string) error {
	key := presenceKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"currentRoom", roomID,
			"lastActivity", strconv.FormatInt(s.nowMs(), 10),
		)
		p.PExpire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set current room: %w", err)
	}
	return nil
}

// Heartbeat extends the expiry of an existing record and of the socket's
// entry in the connection set, re-asserting online if the record went offline.
// It reports false when there was no record to refresh.
func (s *PresenceStore) Heartbeat(ctx context.Context, userID, connectionID string) (bool, error) {
	n, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID), connsKey(userID)},
		connectionID, s.nowMs(), s.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh presence: %w", err)
	}
	return n == 1, nil
}

// AddConnection records a live socket for userID. The set is shared by every
// instance, so a user counts as connected while any instance holds a socket.
func (s *PresenceStore) AddConnection(ctx context.Context, userID, connectionID string) error {
	key := connsKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(s.nowMs()), Member: connectionID})
		p.PExpire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add connection: %w", err)
	}
	return nil
}

// DropConnection forgets one socket and returns how many remain. When none
// remain the presence record is marked offline in the same step.
func (s *PresenceStore) DropConnection(ctx context.Context, userID, connectionID string) (int, error) {
	now := s.nowMs()
	n, err := dropConnectionScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID), connsKey(userID)},
		connectionID, now-s.cfg.TTL.Milliseconds(), now, s.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to drop connection: %w", err)
	}
	return n, nil
}

// LiveConnections counts sockets refreshed within the presence TTL
func (s *PresenceStore) LiveConnections(ctx context.Context, userID string) (int, error) {
	cutoff := s.nowMs() - s.cfg.TTL.Milliseconds()
	n, err := s.rdb.ZCount(ctx, connsKey(userID), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return int(n), nil
}

func (s *PresenceStore) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(userID), connsKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.SAdd(ctx, membersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (s *PresenceStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.SRem(ctx, membersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// ListMembers returns the membership set sorted for stable output
func (s *PresenceStore) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *PresenceStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, membersKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

func (s *PresenceStore) CountMembers(ctx context.Context, roomID string) (int, error) {
	n, err := s.rdb.SCard(ctx, membersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return int(n), nil
}

// Join marks the user online in roomID and adds them to its membership set in one
// step. It returns the member count observed by that step.
func (s *PresenceStore) Join(ctx context.Context, roomID, userID string) (int, error) {
	n, err := joinScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID), membersKey(roomID)},
		userID, roomID, s.nowMs(), s.cfg.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to join room: %w", err)
	}
	return n, nil
}

// Leave removes the user from roomID and its typing set, clearing currentRoom
// if it still points at roomID. It returns the remaining member count.
func (s *PresenceStore) Leave(ctx context.Context, roomID, userID string) (int, error) {
	n, err := leaveScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID), membersKey(roomID), typingKey(roomID)},
		userID, roomID, s.nowMs(), s.cfg.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to leave room: %w", err)
	}
	return n, nil
}

// PruneRoom drops members whose presence record has expired and returns them.
func (s *PresenceStore) PruneRoom(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, userID := range members {
			cmds[i] = p.Exists(ctx, presenceKey(userID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check member presence: %w", err)
	}

	var stale []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			stale = append(stale, members[i])
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(stale))
	for i, userID := range stale {
		args[i] = userID
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, membersKey(roomID), args...)
		p.ZRem(ctx, typingKey(roomID), args...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prune members: %w", err)
	}
	return stale, nil
}

func (s *PresenceStore) SetTyping(ctx context.Context, roomID, userID string) error {
	err := setTypingScript.Run(ctx, s.rdb,
		[]string{typingKey(roomID), presenceKey(userID)},
		userID, s.nowMs(), (2 * s.cfg.TypingWindow).Milliseconds(), "true",
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (s *PresenceStore) ClearTyping(ctx context.Context, roomID, userID string) error {
	err := clearTypingScript.Run(ctx, s.rdb,
		[]string{typingKey(roomID), presenceKey(userID)},
		userID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear typing: %w", err)
	}
	return nil
}

// ListTyping returns users whose typing mark falls inside the typing window.
// Older entries are excluded whether or not they have been physically removed.
func (s *PresenceStore) ListTyping(ctx context.Context, roomID string) ([]string, error) {
	key := typingKey(roomID)
	cutoff := s.nowMs() - s.cfg.TypingWindow.Milliseconds()

	var users *redis.StringSliceCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		users = p.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: strconv.FormatInt(cutoff, 10),
			Max: "+inf",
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list typing users: %w", err)
	}
	return users.Val(), nil
}
