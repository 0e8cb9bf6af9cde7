// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package router

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const DefaultSendBuffer = 256

// Client is one local socket. Frames queued on it are written by the
// connection's writer goroutine, which stops when the queue is closed.
type Client struct {
	ID     string
	UserID string

	send   chan []byte
	rooms  map[string]struct{}
	closed bool
}

func NewClient(id, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Outbound yields queued frames until the client is unregistered
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Hub tracks the sockets connected to this process and the rooms they are in.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		log:     log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

// Unregister removes the client from every room and closes its queue. Safe to call twice.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(clientID)
}

func (h *Hub) unregisterLocked(clientID string) {
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	for roomID := range c.rooms {
		h.removeFromRoomLocked(roomID, c)
	}
	delete(h.clients, clientID)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) Join(clientID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][clientID] = c
	c.rooms[roomID] = struct{}{}
	return true
}

func (h *Hub) Leave(clientID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		h.removeFromRoomLocked(roomID, c)
	}
}

func (h *Hub) removeFromRoomLocked(roomID string, c *Client) {
	delete(c.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// InRoom reports whether the client has joined roomID on this process
func (h *Hub) InRoom(clientID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][clientID]
	return ok
}

// RoomsOf lists the rooms the client has joined on this process, sorted
func (h *Hub) RoomsOf(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// SendTo queues a frame for one client. It reports false when the client is
// gone or has been dropped for falling behind.
func (h *Hub) SendTo(clientID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	delivered := h.offerLocked(c, frame)
	h.mu.RUnlock()

	if !delivered {
		h.drop(c.ID)
	}
	return delivered
}

// BroadcastRoom queues a frame for every local client in roomID, skipping
// sockets owned by exceptUser when it is set.
func (h *Hub) BroadcastRoom(roomID string, frame []byte, exceptUser string) int {
	h.mu.RLock()
	var slow []string
	sent := 0
	for _, c := range h.rooms[roomID] {
		if exceptUser != "" && c.UserID == exceptUser {
			continue
		}
		if h.offerLocked(c, frame) {
			sent++
		} else {
			slow = append(slow, c.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.drop(id)
	}
	return sent
}

// BroadcastAll queues a frame for every local client
func (h *Hub) BroadcastAll(frame []byte) int {
	h.mu.RLock()
	var slow []string
	sent := 0
	for _, c := range h.clients {
		if h.offerLocked(c, frame) {
			sent++
		} else {
			slow = append(slow, c.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.drop(id)
	}
	return sent
}

func (h *Hub) offerLocked(c *Client, frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) drop(clientID string) {
	h.log.Warn().Str("conn_id", clientID).Msg("dropping slow client")
	h.Unregister(clientID)
}

// UserConnections counts the local sockets owned by userID
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
