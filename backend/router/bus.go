// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Channels carried by every bus backend
const (
	roomChannelPrefix = "room:"
	ChannelPresence   = "presence"
	ChannelSystem     = "system"
)

func RoomChannel(roomID string) string { return roomChannelPrefix + roomID }

// Handler receives every payload published on a subscribed channel
type Handler func(channel string, payload []byte)

// Bus carries events between server instances. Subscribe returns once the
// subscription is live and keeps delivering to handler until ctx is done.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// RedisBus fans out over Redis pub/sub
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	ps := b.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	if err := ps.Subscribe(ctx, ChannelPresence, ChannelSystem); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// Wait for the three confirmations; anything published meanwhile is delivered
	for confirmed := 0; confirmed < 3; {
		msg, err := ps.Receive(ctx)
		if err != nil {
			ps.Close()
			return fmt.Errorf("failed to confirm subscription: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			handler(m.Channel, []byte(m.Payload))
		}
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				handler(m.Channel, []byte(m.Payload))
			}
		}
	}()
	return nil
}

// Close is a no-op; the Redis client is owned by the caller
func (b *RedisBus) Close() error {
	return nil
}

// NATSBus fans out over NATS subjects efrelay.room.<id>, efrelay.presence and efrelay.system
type NATSBus struct {
	nc *nats.Conn
}

const natsSubjectPrefix = "efrelay."

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func natsSubject(channel string) string {
	if roomID, ok := strings.CutPrefix(channel, roomChannelPrefix); ok {
		return natsSubjectPrefix + "room." + roomID
	}
	return natsSubjectPrefix + channel
}

func channelFromSubject(subject string) string {
	rest := strings.TrimPrefix(subject, natsSubjectPrefix)
	if roomID, ok := strings.CutPrefix(rest, "room."); ok {
		return RoomChannel(roomID)
	}
	return rest
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.nc.Publish(natsSubject(channel), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) error {
	cb := func(msg *nats.Msg) {
		handler(channelFromSubject(msg.Subject), msg.Data)
	}

	subjects := []string{
		natsSubjectPrefix + "room.*",
		natsSubject(ChannelPresence),
		natsSubject(ChannelSystem),
	}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.nc.Subscribe(subject, cb)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	return nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

// MemoryBus delivers synchronously inside one process
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		h(channel, cp)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.handlers = make(map[int]Handler)
	b.mu.Unlock()
	return nil
}
