// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package validation

import (
	"sync"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
)

const (
	DefaultRateLimitMax    = 10
	DefaultRateLimitWindow = 10 * time.Second
	DefaultTypingThrottle  = 2 * time.Second
)

type LimitConfig struct {
	Max    int
	Window time.Duration
}

func DefaultLimitConfig() LimitConfig {
	return LimitConfig{Max: DefaultRateLimitMax, Window: DefaultRateLimitWindow}
}

// Result is the outcome of one Allow call
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is consulted once per outbound message
type Limiter interface {
	Allow() Result
}

// SlidingWindow admits at most Max events in any trailing Window. One instance
// belongs to one connection and is discarded with it.
type SlidingWindow struct {
	mu   sync.Mutex
	cfg  LimitConfig
	hits []time.Time
	now  func() time.Time
}

func NewSlidingWindow(cfg LimitConfig) *SlidingWindow {
	if cfg.Max <= 0 {
		cfg.Max = DefaultRateLimitMax
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitWindow
	}
	return &SlidingWindow{
		cfg:  cfg,
		hits: make([]time.Time, 0, cfg.Max),
		now:  time.Now,
	}
}

// WithClock replaces the time source, for tests
func (w *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

func (w *SlidingWindow) Allow() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.cfg.Window)

	// Drop hits that have left the window
	keep := 0
	for _, t := range w.hits {
		if t.After(cutoff) {
			w.hits[keep] = t
			keep++
		}
	}
	w.hits = w.hits[:keep]

	if len(w.hits) >= w.cfg.Max {
		return Result{
			Allowed:    false,
			RetryAfter: w.hits[0].Add(w.cfg.Window).Sub(now),
		}
	}

	w.hits = append(w.hits, now)
	return Result{
		Allowed:   true,
		Remaining: w.cfg.Max - len(w.hits),
	}
}

// Reset forgets all recorded hits
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	w.hits = w.hits[:0]
	w.mu.Unlock()
}

// Throttle lets each event name through at most once per interval.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[models.EventName]time.Time
	now      func() time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultTypingThrottle
	}
	return &Throttle{
		interval: interval,
		last:     make(map[models.EventName]time.Time),
		now:      time.Now,
	}
}

func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Allow reports whether event may run now and records it when it may
func (t *Throttle) Allow(event models.EventName) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[event]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[event] = now
	return true
}

// Forget clears the record for event so the next Allow passes
func (t *Throttle) Forget(event models.EventName) {
	t.mu.Lock()
	delete(t.last, event)
	t.mu.Unlock()
}
