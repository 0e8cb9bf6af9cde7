// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"time"
)

// Sweeper drops room members whose presence expired without a clean
// disconnect, e.g. after an instance crash.
type Sweeper struct {
	deps     Deps
	interval time.Duration
}

func NewSweeper(deps Deps, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{deps: deps, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep prunes every room once and returns how many members were removed
func (s *Sweeper) Sweep(ctx context.Context) int {
	rooms, err := s.deps.Chat.ListRooms(ctx)
	if err != nil {
		s.deps.Log.Error().Err(err).Msg("sweep: failed to list rooms")
		return 0
	}

	total := 0
	for _, room := range rooms {
		removed, err := s.deps.Presence.PruneRoom(ctx, room.Name)
		if err != nil {
			s.deps.Log.Warn().Err(err).Str("room", room.Name).Msg("sweep: failed to prune room")
			continue
		}
		if len(removed) == 0 {
			continue
		}
		total += len(removed)

		count, err := s.deps.Presence.CountMembers(ctx, room.Name)
		if err != nil {
			s.deps.Log.Warn().Err(err).Str("room", room.Name).Msg("sweep: failed to count members")
			continue
		}
		publishRoomData(ctx, s.deps, room.Name, count)
		s.deps.Log.Info().Str("room", room.Name).Strs("removed", removed).Msg("pruned stale members")
	}
	return total
}
