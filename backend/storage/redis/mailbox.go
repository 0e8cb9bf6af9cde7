// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

const (
	DefaultMailboxTTL = 24 * time.Hour // refreshed on every enqueue

	mailboxPrefix = "mailbox:" // mailbox:{userId} - LIST of queued messages
)

// MailboxStore keeps a FIFO of messages for members who were not connected
// to the room when the message was published.
type MailboxStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewMailboxStore(rdb *redis.Client, ttl time.Duration) *MailboxStore {
	if ttl <= 0 {
		ttl = DefaultMailboxTTL
	}
	return &MailboxStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

func mailboxKey(userID string) string { return mailboxPrefix + userID }

func (s *MailboxStore) encode(msg models.Message) ([]byte, error) {
	data, err := json.Marshal(models.QueuedMessage{
		Message:  msg,
		QueuedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queued message: %w", err)
	}
	return data, nil
}

// Enqueue appends msg to the user's mailbox and resets the mailbox expiry
func (s *MailboxStore) Enqueue(ctx context.Context, userID string, msg models.Message) error {
	data, err := s.encode(msg)
	if err != nil {
		return err
	}

	key := mailboxKey(userID)
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// DeliverOrEnqueue decides in one step whether userID will see msg live in
// roomID or needs it queued. The presence check and the enqueue cannot be
// separated by a concurrent join.
func (s *MailboxStore) DeliverOrEnqueue(ctx context.Context, roomID, userID string, msg models.Message) (storage.Delivery, error) {
	data, err := s.encode(msg)
	if err != nil {
		return storage.DeliveredLive, err
	}

	queued, err := deliverOrEnqueueScript.Run(ctx, s.rdb,
		[]string{presenceKey(userID), mailboxKey(userID)},
		roomID, data, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return storage.DeliveredLive, fmt.Errorf("failed to route message: %w", err)
	}
	if queued == 1 {
		return storage.DeliveredMailbox, nil
	}
	return storage.DeliveredLive, nil
}

// Drain returns every queued message in arrival order and empties the mailbox.
// Entries that cannot be decoded are dropped.
func (s *MailboxStore) Drain(ctx context.Context, userID string) ([]models.QueuedMessage, error) {
	key := mailboxKey(userID)

	var entries *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		entries = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain mailbox: %w", err)
	}
	return decodeQueued(entries.Val()), nil
}

// Peek reads the mailbox without consuming it
func (s *MailboxStore) Peek(ctx context.Context, userID string) ([]models.QueuedMessage, error) {
	entries, err := s.rdb.LRange(ctx, mailboxKey(userID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read mailbox: %w", err)
	}
	return decodeQueued(entries), nil
}

func (s *MailboxStore) Len(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.LLen(ctx, mailboxKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get mailbox length: %w", err)
	}
	return n, nil
}

func (s *MailboxStore) Clear(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, mailboxKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear mailbox: %w", err)
	}
	return nil
}

func decodeQueued(entries []string) []models.QueuedMessage {
	out := make([]models.QueuedMessage, 0, len(entries))
	for _, raw := range entries {
		var qm models.QueuedMessage
		if err := json.Unmarshal([]byte(raw), &qm); err != nil {
			continue // Skip malformed entries
		}
		out = append(out, qm)
	}
	return out
}
