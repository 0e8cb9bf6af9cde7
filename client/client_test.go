package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efrelay/backend/models"
)

var errClosed = errors.New("closed")

type fakeConn struct {
	in     chan []byte
	out    chan models.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan models.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.in:
		return websocket.TextMessage, raw, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.out <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event models.EventName, data any) {
	t.Helper()
	raw, err := models.EncodeFrame(event, data)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeConn) expect(t *testing.T, event models.EventName, out any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.out:
			if f.Event != event {
				continue
			}
			if out != nil {
				require.NoError(t, json.Unmarshal(f.Data, out))
			}
			return
		case <-timeout:
			t.Fatalf("no %s frame written", event)
		}
	}
}

// fakeDialer hands out scripted connections; a nil entry fails the dial
type fakeDialer struct {
	mu        sync.Mutex
	script    []*fakeConn
	calls     atomic.Int32
	endpoints []string
}

func (d *fakeDialer) dial(_ context.Context, endpoint string, _ http.Header) (Conn, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

func (d *fakeDialer) lastEndpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[len(d.endpoints)-1]
}

func fastConfig() Config {
	return Config{
		Endpoint:       "ws://relay.test/ws",
		InitialDelay:   time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		MaxAttempts:    3,
		TypingDebounce: 20 * time.Millisecond,
	}
}

func noJitter() time.Duration { return 0 }

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state %s, want %s", m.State(), want)
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	m := NewManager(Config{})

	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := m.BaseDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, DefaultMaxDelay)
		prev = d
	}
	assert.Equal(t, time.Second, m.BaseDelay(0))
	assert.Equal(t, 2*time.Second, m.BaseDelay(1))
	assert.Equal(t, 16*time.Second, m.BaseDelay(4))
	assert.Equal(t, 30*time.Second, m.BaseDelay(5))
	assert.Equal(t, 30*time.Second, m.BaseDelay(200))
}

func TestDelayAddsBoundedJitter(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 100; i++ {
		d := m.Delay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{first, nil, second}}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	first.push(t, models.EventConnected, models.ConnectedPayload{UserID: "alice", SessionID: "s1", ConnectionID: "c1"})
	require.Eventually(t, func() bool { return m.SessionID() == "s1" }, time.Second, time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return dialer.calls.Load() == 3 }, 2*time.Second, time.Millisecond)
	waitState(t, m, StateConnected)
	assert.Equal(t, 0, m.Attempt())
	assert.NoError(t, m.Err())
	assert.Contains(t, dialer.lastEndpoint(), "session=s1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 4
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}, states)
	mu.Unlock()

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerFailsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))

	require.Error(t, m.Connect(context.Background()))
	waitState(t, m, StateFailed)
	assert.ErrorIs(t, m.Err(), ErrMaxAttempts)
	assert.Equal(t, int32(4), dialer.calls.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), dialer.calls.Load(), "no timer after FAILED")
}

func TestRetryNowResetsBackoff(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m := NewManager(cfg, WithDialer(dialer.dial), WithJitter(noJitter))

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, 1, m.Attempt())

	dialer.mu.Lock()
	dialer.script = []*fakeConn{conn}
	dialer.mu.Unlock()

	require.NoError(t, m.RetryNow(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempt())
	assert.Equal(t, int32(2), dialer.calls.Load())
	require.NoError(t, m.Close())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := fastConfig()
	cfg.InitialDelay = 20 * time.Millisecond
	m := NewManager(cfg, WithDialer(dialer.dial), WithJitter(noJitter))

	require.Error(t, m.Connect(context.Background()))
	m.Disconnect()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(1), dialer.calls.Load())
}

func TestEmitRequiresConnection(t *testing.T) {
	m := NewManager(fastConfig(), WithDialer((&fakeDialer{}).dial))
	assert.ErrorIs(t, m.Emit(models.EventHeartbeat, models.HeartbeatEvent{}), ErrNotConnected)
}

func TestOptimisticRoundTrip(t *testing.T) {
	s := NewMessageStore()
	tempID := s.AddOptimistic("hello", "alice")
	assert.True(t, strings.HasPrefix(tempID, "temp_"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Sending, msgs[0].State)
	assert.Zero(t, msgs[0].ID)
	require.Len(t, s.Pending(), 1)

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, s.Confirm(tempID, ServerAck{ID: 42, Timestamp: ts}))
	assert.False(t, s.Confirm(tempID, ServerAck{ID: 42, Timestamp: ts}), "second confirm is a no-op")
	assert.False(t, s.Confirm("temp_unknown", ServerAck{ID: 43}))

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Sent, msgs[0].State)
	assert.Equal(t, int64(42), msgs[0].ID)
	assert.Equal(t, ts, msgs[0].Timestamp)
	assert.Empty(t, s.Pending())

	assert.False(t, s.AddReceived(models.Message{ID: 42, Text: "hello"}), "live copy after confirm is dropped")
	assert.Len(t, s.Messages(), 1)
}

func TestConfirmCollapsesEarlierLiveCopy(t *testing.T) {
	s := NewMessageStore()
	tempID := s.AddOptimistic("hello", "alice")
	require.True(t, s.AddReceived(models.Message{ID: 5, User: "bob", Text: "hi"}))
	require.True(t, s.AddReceived(models.Message{ID: 7, User: "alice", Text: "hello"}))

	require.True(t, s.Confirm(tempID, ServerAck{ID: 7}))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, tempID, msgs[0].TempID, "optimistic entry keeps its position")
	assert.Equal(t, int64(7), msgs[0].ID)
	assert.Equal(t, int64(5), msgs[1].ID)
}

func TestRetryIdempotence(t *testing.T) {
	s := NewMessageStore()
	tempID := s.AddOptimistic("hello", "alice")

	_, ok := s.Retry(tempID)
	assert.False(t, ok, "cannot retry a message that has not failed")

	require.True(t, s.MarkFailed(tempID, errors.New("boom")))
	assert.Equal(t, "boom", s.Messages()[0].Err)

	msg, ok := s.Retry(tempID)
	require.True(t, ok)
	assert.Equal(t, tempID, msg.TempID)
	assert.Equal(t, Sending, msg.State)

	_, ok = s.Retry(tempID)
	assert.False(t, ok, "second retry resends nothing")

	require.True(t, s.Confirm(tempID, ServerAck{ID: 9}))
	assert.False(t, s.Confirm(tempID, ServerAck{ID: 9}))
	assert.False(t, s.MarkFailed(tempID, errors.New("late")), "a SENT message never fails")
	assert.Len(t, s.Messages(), 1)
}

func TestTempIDsAreUnique(t *testing.T) {
	s := NewMessageStore()
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := s.AddOptimistic("x", "alice")
		if i%2 == 0 {
			id = s.Queue("y", "alice")
		}
		require.False(t, seen[id], "tempId %s reused", id)
		seen[id] = true
	}
}

func TestSetAllKeepsPendingAndDedups(t *testing.T) {
	s := NewMessageStore()
	s.AddReceived(models.Message{ID: 1, Text: "stale"})
	tempID := s.AddOptimistic("pending", "alice")

	s.SetAll([]models.Message{{ID: 2, Text: "a"}, {ID: 3, Text: "b"}, {ID: 3, Text: "b"}})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(2), msgs[0].ID)
	assert.Equal(t, int64(3), msgs[1].ID)
	assert.Equal(t, tempID, msgs[2].TempID)

	s.Clear()
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Pending())
}

func TestPendingOrderFollowsCreation(t *testing.T) {
	s := NewMessageStore()
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }

	var want []string
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			want = append(want, s.Queue("later", "alice"))
			continue
		}
		want = append(want, s.AddOptimistic("now", "alice"))
	}
	s.promoteQueued()

	var got []string
	for _, m := range s.Pending() {
		got = append(got, m.TempID)
	}
	assert.Equal(t, want, got, "temp_x_10 sorts after temp_x_9")
}

func TestHistorySettlesSendWhoseConfirmWasLost(t *testing.T) {
	s := NewMessageStore()
	tempID := s.AddOptimistic("hello", "alice")
	assert.Equal(t, 1, s.FailSending(ErrConnectionLost))
	assert.Zero(t, s.FailSending(ErrConnectionLost), "already failed")
	require.Equal(t, Failed, s.Messages()[0].State)

	s.SetAll([]models.Message{
		{ID: 1, RoomID: "general", User: "bob", Text: "hi"},
		{ID: 2, TempID: tempID, RoomID: "general", User: "alice", Text: "hello"},
	})

	msgs := s.Messages()
	require.Len(t, msgs, 2, "stored copy replaces the failed entry")
	assert.Equal(t, tempID, msgs[1].TempID)
	assert.Equal(t, int64(2), msgs[1].ID)
	assert.Equal(t, Sent, msgs[1].State)
	assert.Empty(t, msgs[1].Err)
	assert.Empty(t, s.Pending())
	_, ok := s.Retry(tempID)
	assert.False(t, ok)

	// A live copy settles an unconfirmed send the same way
	again := s.AddOptimistic("again", "alice")
	assert.True(t, s.AddReceived(models.Message{ID: 3, TempID: again, User: "alice", Text: "again"}))
	assert.Len(t, s.Messages(), 3)
	assert.False(t, s.Confirm(again, ServerAck{ID: 3}))
	assert.False(t, s.AddReceived(models.Message{ID: 3, TempID: again, User: "alice"}))

	// Another user's message carrying the same tempId is not ours
	mine := s.AddOptimistic("mine", "alice")
	assert.True(t, s.AddReceived(models.Message{ID: 4, TempID: mine, User: "mallory", Text: "spoof"}))
	assert.Len(t, s.Messages(), 5)
	require.Len(t, s.Pending(), 1)
	assert.Equal(t, mine, s.Pending()[0].TempID)
}

func TestSessionDropBeforeConfirmThenHistory(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{first, second}}
	cfg := fastConfig()
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	m := NewManager(cfg, WithDialer(dialer.dial), WithJitter(noJitter))
	session := NewSession(m, NewMessageStore(), "alice")

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, session.Join("general"))
	first.expect(t, models.EventJoin, nil)
	first.push(t, models.EventMessageHistory, models.HistoryPayload{RoomID: "general", Messages: []models.Message{}})

	tempID, err := session.Send("hello")
	require.NoError(t, err)
	first.expect(t, models.EventSendMessage, nil)

	// The server stored it but the socket died before messageConfirmed
	first.Close()
	require.Eventually(t, func() bool {
		msgs := session.Store().Messages()
		return len(msgs) == 1 && msgs[0].State == Failed
	}, time.Second, time.Millisecond)

	second.expect(t, models.EventJoin, nil)
	second.push(t, models.EventMessageHistory, models.HistoryPayload{
		RoomID:   "general",
		Messages: []models.Message{{ID: 11, TempID: tempID, RoomID: "general", User: "alice", Text: "hello"}},
	})

	require.Eventually(t, func() bool {
		msgs := session.Store().Messages()
		return len(msgs) == 1 && msgs[0].State == Sent
	}, time.Second, time.Millisecond)
	msgs := session.Store().Messages()
	assert.Equal(t, int64(11), msgs[0].ID)
	assert.Equal(t, tempID, msgs[0].TempID)

	require.NoError(t, session.Retry(tempID))
	timeout := time.After(50 * time.Millisecond)
	for done := false; !done; {
		select {
		case f := <-second.out:
			assert.NotEqual(t, models.EventSendMessage, f.Event, "a stored message is not resent")
		case <-timeout:
			done = true
		}
	}
	require.NoError(t, session.Close())
}

func TestSessionAppliesEditsDeletesAndReactions(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))
	session := NewSession(m, NewMessageStore(), "alice")
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, session.Join("general"))

	conn.push(t, models.EventMessageHistory, models.HistoryPayload{
		RoomID: "general",
		Messages: []models.Message{
			{ID: 1, RoomID: "general", User: "alice", Text: "helo"},
			{ID: 2, RoomID: "general", User: "bob", Text: "bye"},
		},
	})
	require.Eventually(t, func() bool { return len(session.Store().Messages()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, session.Edit(1, "hello"))
	var edit models.EditMessageEvent
	conn.expect(t, models.EventEditMessage, &edit)
	assert.Equal(t, models.EditMessageEvent{MessageID: 1, RoomID: "general", Text: "hello"}, edit)

	require.NoError(t, session.React(2, "👍"))
	conn.expect(t, models.EventReact, nil)

	conn.push(t, models.EventMessageEdited, models.MessageEditedPayload{MessageID: 1, RoomID: "general", Text: "hello"})
	conn.push(t, models.EventMessageReaction, models.ReactionPayload{MessageID: 2, RoomID: "general", Emoji: "👍", Count: 1})
	conn.push(t, models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: 2, RoomID: "general"})

	require.Eventually(t, func() bool { return len(session.Store().Messages()) == 1 }, time.Second, time.Millisecond)
	msgs := session.Store().Messages()
	assert.Equal(t, "hello", msgs[0].Text)
	assert.True(t, msgs[0].Edited)
	require.NoError(t, session.Close())
}

func TestApplyReactionCopiesCounts(t *testing.T) {
	s := NewMessageStore()
	s.AddReceived(models.Message{ID: 1, Text: "hi"})
	require.True(t, s.ApplyReaction(1, "👍", 2))
	before := s.Messages()

	require.True(t, s.ApplyReaction(1, "👍", 0))
	assert.Equal(t, map[string]int{"👍": 2}, before[0].Reactions, "earlier snapshot unchanged")
	assert.Empty(t, s.Messages()[0].Reactions)
	assert.False(t, s.ApplyReaction(9, "👍", 1))
}

func TestSessionFlushesQueueAfterRejoin(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{first, second}}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))
	session := NewSession(m, NewMessageStore(), "alice")

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, session.Join("general"))
	first.expect(t, models.EventJoin, nil)

	m.Disconnect()
	queued, err := session.Send("written offline")
	require.NoError(t, err)
	require.Len(t, session.Store().Queued(), 1)

	require.NoError(t, m.Connect(context.Background()))
	var join models.JoinEvent
	second.expect(t, models.EventJoin, &join)
	assert.Equal(t, "general", join.RoomID)

	second.push(t, models.EventMessageHistory, models.HistoryPayload{
		RoomID:   "general",
		Messages: []models.Message{{ID: 1, RoomID: "general", User: "bob", Text: "earlier"}},
	})

	var sent models.SendMessageEvent
	second.expect(t, models.EventSendMessage, &sent)
	assert.Equal(t, queued, sent.TempID)
	assert.Equal(t, "written offline", sent.Text)
	assert.Empty(t, session.Store().Queued())

	second.push(t, models.EventMessageConfirmed, models.ConfirmedPayload{TempID: queued, ID: 2})
	second.push(t, models.EventMessage, models.Message{ID: 2, RoomID: "general", User: "alice", Text: "written offline"})
	second.push(t, models.EventMailbox, models.MailboxPayload{Messages: []models.QueuedMessage{
		{Message: models.Message{ID: 1, RoomID: "general", User: "bob", Text: "earlier"}},
	}})

	require.Eventually(t, func() bool {
		msgs := session.Store().Messages()
		return len(msgs) == 2 && msgs[1].State == Sent
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	msgs := session.Store().Messages()
	require.Len(t, msgs, 2, "each durable id shows once")
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, int64(2), msgs[1].ID)

	require.NoError(t, session.Close())
}

func TestSessionMarksRejectedMessageFailed(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))
	session := NewSession(m, NewMessageStore(), "alice")
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, session.Join("general"))

	tempID, err := session.Send("too fast")
	require.NoError(t, err)
	conn.push(t, models.EventErrorFrame, models.EventError{Code: models.CodeRateLimited, Message: "slow down", TempID: tempID})

	require.Eventually(t, func() bool {
		msgs := session.Store().Messages()
		return len(msgs) == 1 && msgs[0].State == Failed
	}, time.Second, time.Millisecond)

	require.NoError(t, session.Retry(tempID))
	require.NoError(t, session.Retry(tempID))

	sends := 0
	timeout := time.After(100 * time.Millisecond)
	for done := false; !done; {
		select {
		case f := <-conn.out:
			if f.Event == models.EventSendMessage {
				sends++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Equal(t, 2, sends, "original send plus one retry")
	require.NoError(t, session.Close())
}

func TestSessionTypingDebounce(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	m := NewManager(fastConfig(), WithDialer(dialer.dial), WithJitter(noJitter))
	session := NewSession(m, NewMessageStore(), "alice")
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, session.Join("general"))

	session.Typing()
	session.Typing()
	session.Typing()

	var typing, stopped int
	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case f := <-conn.out:
			switch f.Event {
			case models.EventTyping:
				typing++
			case models.EventStopTyping:
				stopped++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Equal(t, 1, typing)
	assert.Equal(t, 1, stopped)
	require.NoError(t, session.Close())
}
