// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/efrelay/backend/models"
)

type MessageState string

const (
	Sending MessageState = "SENDING"
	Sent    MessageState = "SENT"
	Failed  MessageState = "FAILED"
)

// Message is a message as the client shows it. ID stays zero until the
// server confirms it.
type Message struct {
	TempID    string
	ID        int64
	RoomID    string
	User      string
	Text      string
	Timestamp time.Time
	State     MessageState
	Err       string
	Edited    bool
	Reactions map[string]int

	seq uint64 // creation order of the tempId
}

// ServerAck is the durable id and timestamp assigned by the server
type ServerAck struct {
	ID        int64
	Timestamp time.Time
}

// QueuedMessage was composed while offline and is sent after the next rejoin
type QueuedMessage struct {
	TempID   string
	Text     string
	User     string
	QueuedAt time.Time

	seq uint64
}

// MessageStore keeps the visible message list of one room and reconciles
// optimistic entries with server confirmations and live copies.
type MessageStore struct {
	mu       sync.Mutex
	messages []Message
	pending  map[string]Message
	queue    []QueuedMessage
	counter  uint64
	now      func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		pending: make(map[string]Message),
		now:     time.Now,
	}
}

func (s *MessageStore) nextTempIDLocked() (string, uint64) {
	seq := s.counter
	s.counter++
	return fmt.Sprintf("temp_%d_%d", s.now().UnixMilli(), seq), seq
}

// AddOptimistic appends a SENDING entry and returns its tempId
func (s *MessageStore) AddOptimistic(text, sender string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tempID, seq := s.nextTempIDLocked()
	s.addSendingLocked(tempID, seq, text, sender)
	return tempID
}

func (s *MessageStore) addSendingLocked(tempID string, seq uint64, text, sender string) {
	msg := Message{
		TempID:    tempID,
		User:      sender,
		Text:      text,
		Timestamp: s.now(),
		State:     Sending,
		seq:       seq,
	}
	s.messages = append(s.messages, msg)
	s.pending[tempID] = msg
}

func (s *MessageStore) indexOfTempLocked(tempID string) int {
	for i, m := range s.messages {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexOfIDLocked(id int64) int {
	if id == 0 {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Confirm marks tempID SENT with the server's id. Unknown or already confirmed
// tempIds are ignored. A live copy of the same message that arrived first is
// folded into the optimistic entry so the message shows once.
func (s *MessageStore) Confirm(tempID string, ack ServerAck) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfTempLocked(tempID)
	if i < 0 || s.messages[i].State == Sent {
		return false
	}

	if j := s.indexOfIDLocked(ack.ID); j >= 0 && j != i {
		s.messages = append(s.messages[:j], s.messages[j+1:]...)
		if j < i {
			i--
		}
	}

	m := &s.messages[i]
	m.ID = ack.ID
	m.Timestamp = ack.Timestamp
	m.State = Sent
	m.Err = ""
	delete(s.pending, tempID)
	return true
}

// MarkFailed moves a SENDING entry to FAILED
func (s *MessageStore) MarkFailed(tempID string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfTempLocked(tempID)
	if i < 0 || s.messages[i].State != Sending {
		return false
	}
	reason := "failed to send"
	if err != nil {
		reason = err.Error()
	}
	s.messages[i].State = Failed
	s.messages[i].Err = reason
	s.pending[tempID] = s.messages[i]
	return true
}

// FailSending moves every SENDING entry to FAILED and returns how many moved.
// It runs when the connection drops, since a confirmation can no longer arrive.
func (s *MessageStore) FailSending(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.State != Sending {
			continue
		}
		m.State = Failed
		m.Err = reason
		s.pending[m.TempID] = *m
		n++
	}
	return n
}

// Retry moves a FAILED entry back to SENDING and returns it for resending.
// It reports false for anything not currently FAILED, so a double retry
// resends once.
func (s *MessageStore) Retry(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[tempID]
	if !ok || p.State != Failed {
		return Message{}, false
	}
	i := s.indexOfTempLocked(tempID)
	if i < 0 {
		return Message{}, false
	}
	s.messages[i].State = Sending
	s.messages[i].Err = ""
	s.pending[tempID] = s.messages[i]
	return s.messages[i], true
}

// AddReceived appends a message from the server unless its id is already shown.
// A copy of one of our own unconfirmed sends settles that entry in place.
func (s *MessageStore) AddReceived(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOfIDLocked(msg.ID) >= 0 {
		return false
	}
	if s.settleLocked(msg) {
		return true
	}
	s.messages = append(s.messages, fromWire(msg))
	return true
}

// ownPendingLocked reports whether msg is the stored copy of an entry this
// store is still waiting on, matched by tempId and author.
func (s *MessageStore) ownPendingLocked(msg models.Message) bool {
	if msg.TempID == "" {
		return false
	}
	p, ok := s.pending[msg.TempID]
	return ok && p.User == msg.User
}

// settleLocked marks the pending entry for msg SENT, whether it was SENDING
// or FAILED after a drop, so a later retry cannot duplicate it.
func (s *MessageStore) settleLocked(msg models.Message) bool {
	if !s.ownPendingLocked(msg) {
		return false
	}
	i := s.indexOfTempLocked(msg.TempID)
	if i < 0 {
		return false
	}
	m := &s.messages[i]
	m.ID = msg.ID
	m.Text = msg.Text
	m.Timestamp = msg.Timestamp
	m.State = Sent
	m.Err = ""
	delete(s.pending, msg.TempID)
	return true
}

func fromWire(msg models.Message) Message {
	return Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		User:      msg.User,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		State:     Sent,
		Edited:    msg.Edited,
		Reactions: msg.Reactions,
	}
}

// ApplyEdit replaces the text of a shown message
func (s *MessageStore) ApplyEdit(id int64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfIDLocked(id)
	if i < 0 {
		return false
	}
	s.messages[i].Text = text
	s.messages[i].Edited = true
	return true
}

// Remove drops a deleted message from the list
func (s *MessageStore) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfIDLocked(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// ApplyReaction records the server's total for one emoji; zero removes it
func (s *MessageStore) ApplyReaction(id int64, emoji string, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfIDLocked(id)
	if i < 0 {
		return false
	}
	m := &s.messages[i]
	// Copy so snapshots returned by Messages are not mutated
	reactions := make(map[string]int, len(m.Reactions)+1)
	for k, v := range m.Reactions {
		reactions[k] = v
	}
	if count > 0 {
		reactions[emoji] = count
	} else {
		delete(reactions, emoji)
	}
	m.Reactions = reactions
	return true
}

// SetAll replaces the list with history. Entries still awaiting confirmation
// stay at the end.
func (s *MessageStore) SetAll(history []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{}, len(history))
	out := make([]Message, 0, len(history)+len(s.pending))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		entry := fromWire(m)
		if s.ownPendingLocked(m) {
			// Stored before the confirmation was lost
			entry.TempID = m.TempID
			delete(s.pending, m.TempID)
		}
		out = append(out, entry)
	}
	for _, m := range s.messages {
		if _, ok := s.pending[m.TempID]; ok && m.TempID != "" {
			out = append(out, m)
		}
	}
	s.messages = out
}

// Queue holds text composed while disconnected and returns its tempId
func (s *MessageStore) Queue(text, sender string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tempID, seq := s.nextTempIDLocked()
	s.queue = append(s.queue, QueuedMessage{TempID: tempID, Text: text, User: sender, QueuedAt: s.now(), seq: seq})
	return tempID
}

func (s *MessageStore) Queued() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedMessage(nil), s.queue...)
}

func (s *MessageStore) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// promoteQueued turns queued entries into SENDING entries under the same tempIds.
func (s *MessageStore) promoteQueued() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue
	s.queue = nil
	for _, q := range queued {
		s.addSendingLocked(q.TempID, q.seq, q.Text, q.User)
	}
	return queued
}

func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.pending = make(map[string]Message)
	s.queue = nil
}

// Messages returns a snapshot in display order
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Pending returns unconfirmed entries ordered by tempId creation
func (s *MessageStore) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
