// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import "github.com/redis/go-redis/v9"

// Multi-key updates that must not interleave with other handlers run as Lua
// so presence, membership and the returned member count change together.

// KEYS: presence, members. ARGV: userId, roomId, nowMs, ttlMs
var joinScript = redis.NewScript(`
	redis.call('HSET', KEYS[1], 'status', 'online', 'currentRoom', ARGV[2], 'typing', 'false', 'lastActivity', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('SADD', KEYS[2], ARGV[1])
	return redis.call('SCARD', KEYS[2])
`)

// KEYS: presence, members, typing. ARGV: userId, roomId, nowMs, ttlMs
var leaveScript = redis.NewScript(`
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	if redis.call('HGET', KEYS[1], 'currentRoom') == ARGV[2] then
		redis.call('HSET', KEYS[1], 'currentRoom', '', 'typing', 'false', 'lastActivity', ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	return redis.call('SCARD', KEYS[2])
`)

// A heartbeat proves the socket is live, so an offline record left behind by
// another tab's disconnect is flipped back to online.
// KEYS: presence, conns. ARGV: connectionId, nowMs, ttlMs
var heartbeatScript = redis.NewScript(`
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if redis.call('HGET', KEYS[1], 'status') == 'offline' then
		redis.call('HSET', KEYS[1], 'status', 'online')
	end
	redis.call('HSET', KEYS[1], 'lastActivity', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
`)

// Removes one socket and marks the user offline only when no socket on any
// instance is left. Entries not refreshed within the presence TTL belong to
// dead instances and are dropped first. Returns the remaining socket count.
// KEYS: presence, conns. ARGV: connectionId, cutoffMs, nowMs, ttlMs
var dropConnectionScript = redis.NewScript(`
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[2])
	local n = redis.call('ZCARD', KEYS[2])
	if n == 0 and redis.call('EXISTS', KEYS[1]) == 1 then
		redis.call('HSET', KEYS[1], 'status', 'offline', 'typing', 'false', 'lastActivity', ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	return n
`)

// KEYS: typing, presence. ARGV: userId, scoreMs, typingTTLms, flag
var setTypingScript = redis.NewScript(`
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	if redis.call('EXISTS', KEYS[2]) == 1 then
		redis.call('HSET', KEYS[2], 'typing', ARGV[4])
	end
	return 1
`)

// KEYS: typing, presence. ARGV: userId
var clearTypingScript = redis.NewScript(`
	redis.call('ZREM', KEYS[1], ARGV[1])
	if redis.call('EXISTS', KEYS[2]) == 1 then
		redis.call('HSET', KEYS[2], 'typing', 'false')
	end
	return 1
`)

// One delivery decision per message per recipient. Returns 0 when the
// recipient is connected inside the room, otherwise queues and returns 1.
// KEYS: presence, mailbox. ARGV: roomId, payload, mailboxTTLms
var deliverOrEnqueueScript = redis.NewScript(`
	local status = redis.call('HGET', KEYS[1], 'status')
	local room = redis.call('HGET', KEYS[1], 'currentRoom')
	if status and status ~= 'offline' and room == ARGV[1] then
		return 0
	end
	redis.call('RPUSH', KEYS[2], ARGV[2])
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
	return 1
`)
