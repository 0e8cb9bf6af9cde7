package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

type fakeSessions map[string]*models.Session

func (f fakeSessions) GetByConnection(_ context.Context, connectionID string) (*models.Session, error) {
	return f[connectionID], nil
}

type fakeMembers map[string]map[string]bool

func (f fakeMembers) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	return f[roomID][userID], nil
}

type fakeRooms map[string]*models.Room

func (f fakeRooms) FindRoom(_ context.Context, roomID string) (*models.Room, error) {
	if r, ok := f[roomID]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

type failingMembers struct{}

func (failingMembers) IsMember(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestValidator() *Validator {
	sessions := fakeSessions{"conn-1": {SessionID: "s1", UserID: "alice", ConnectionID: "conn-1"}}
	members := fakeMembers{
		"general": {"alice": true},
		"ghost":   {"alice": true},
	}
	rooms := fakeRooms{"general": {Name: "general"}}
	return NewValidator(sessions, members, rooms, 0)
}

func TestValidatorStages(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name     string
		conn     string
		room     string
		text     string
		wantCode string
		wantText string
	}{
		{name: "accepted", conn: "conn-1", room: "general", text: "  hello  ", wantText: "hello"},
		{name: "unknown connection", conn: "conn-x", room: "general", text: "hi", wantCode: models.CodeNotAuthenticated},
		{name: "not a member", conn: "conn-1", room: "random", text: "hi", wantCode: models.CodeNotInRoom},
		{name: "room missing from store", conn: "conn-1", room: "ghost", text: "hi", wantCode: models.CodeRoomNotFound},
		{name: "blank", conn: "conn-1", room: "general", text: "   \n ", wantCode: models.CodeEmptyMessage},
		{name: "too long", conn: "conn-1", room: "general", text: strings.Repeat("a", 501), wantCode: models.CodeMessageTooLong},
		{name: "script only", conn: "conn-1", room: "general", text: "<script>alert(1)</script>", wantCode: models.CodeEmptyMessage},
		// Authentication is checked before content
		{name: "stage order", conn: "conn-x", room: "general", text: "", wantCode: models.CodeNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tt.conn, tt.room, tt.text, nil)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, models.IsCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, tt.room, got.RoomID)
			assert.Equal(t, tt.wantText, got.Text)
		})
	}
}

func TestValidatorNotAuthenticatedAsksRejoin(t *testing.T) {
	v := newTestValidator()
	_, err := v.Validate(context.Background(), "conn-x", "general", "hi", nil)

	var ee *models.EventError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Rejoin)
	assert.Equal(t, models.KindAuthentication, ee.Kind)
}

func TestValidatorNotInRoomAsksRejoin(t *testing.T) {
	v := newTestValidator()
	_, err := v.Validate(context.Background(), "conn-1", "random", "hi", nil)

	var ee *models.EventError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, models.CodeNotInRoom, ee.Code)
	assert.True(t, ee.Rejoin)
}

func TestAuthorizeSkipsContent(t *testing.T) {
	v := newTestValidator()

	got, err := v.Authorize(context.Background(), "conn-1", "general")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Empty(t, got.Text)
	assert.Equal(t, "general", got.Room.Name)

	_, err = v.Authorize(context.Background(), "conn-1", "random")
	assert.True(t, models.IsCode(err, models.CodeNotInRoom))
	_, err = v.Authorize(context.Background(), "conn-x", "general")
	assert.True(t, models.IsCode(err, models.CodeNotAuthenticated))
}

func TestValidatorStoreFailure(t *testing.T) {
	v := NewValidator(
		fakeSessions{"conn-1": {UserID: "alice", ConnectionID: "conn-1"}},
		failingMembers{},
		fakeRooms{},
		0,
	)
	_, err := v.Validate(context.Background(), "conn-1", "general", "hi", nil)
	require.Error(t, err)

	var ee *models.EventError
	assert.False(t, errors.As(err, &ee))
}

func TestValidatorRateLimit(t *testing.T) {
	v := newTestValidator()
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewSlidingWindow(DefaultLimitConfig()).WithClock(c.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := v.Validate(ctx, "conn-1", "general", "hi", limiter)
		require.NoError(t, err, "message %d", i+1)
		c.Advance(100 * time.Millisecond)
	}

	_, err := v.Validate(ctx, "conn-1", "general", "hi", limiter)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeRateLimited))

	var ee *models.EventError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, int64(9000), ee.RetryAfterMs)

	c.Advance(10 * time.Second)
	_, err = v.Validate(ctx, "conn-1", "general", "hi", limiter)
	assert.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trim", in: "  hi there ", want: "hi there"},
		{name: "script removed", in: "before<SCRIPT type=x>evil()</script>after", want: "beforeafter"},
		{name: "iframe removed", in: "a<iframe src=x></iframe>b", want: "ab"},
		{name: "multiline script", in: "x<script>\nline\n</script>y", want: "xy"},
		{name: "control chars", in: "a\x00b\x07c", want: "abc"},
		{name: "newline kept", in: "line1\nline2", want: "line1\nline2"},
		{name: "unicode kept", in: "héllo 世界 🎉", want: "héllo 世界 🎉"},
		{name: "other html untouched", in: "<b>bold</b>", want: "<b>bold</b>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sanitize(tt.in, DefaultMaxMessageLength)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeLengthCountsRunes(t *testing.T) {
	_, err := Sanitize(strings.Repeat("é", 500), DefaultMaxMessageLength)
	assert.NoError(t, err)

	_, err = Sanitize(strings.Repeat("é", 501), DefaultMaxMessageLength)
	assert.True(t, models.IsCode(err, models.CodeMessageTooLong))
}

func TestSlidingWindow(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewSlidingWindow(LimitConfig{Max: 3, Window: time.Second}).WithClock(c.Now)

	assert.Equal(t, 2, w.Allow().Remaining)
	c.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, w.Allow().Remaining)
	assert.True(t, w.Allow().Allowed)

	res := w.Allow()
	assert.False(t, res.Allowed)
	assert.Equal(t, 600*time.Millisecond, res.RetryAfter)

	// First hit leaves the window, one slot frees up
	c.Advance(600 * time.Millisecond)
	assert.True(t, w.Allow().Allowed)
	assert.False(t, w.Allow().Allowed)

	w.Reset()
	assert.True(t, w.Allow().Allowed)
}

func TestThrottle(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewThrottle(2 * time.Second).WithClock(c.Now)

	assert.True(t, th.Allow(models.EventTyping))
	assert.False(t, th.Allow(models.EventTyping))
	assert.True(t, th.Allow(models.EventStopTyping))

	c.Advance(1999 * time.Millisecond)
	assert.False(t, th.Allow(models.EventTyping))
	c.Advance(time.Millisecond)
	assert.True(t, th.Allow(models.EventTyping))

	th.Forget(models.EventTyping)
	assert.True(t, th.Allow(models.EventTyping))
}
