package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efrelay/backend/models"
	"github.com/efchatnet/efrelay/backend/storage"
)

var _ storage.ChatStore = (*Store)(nil)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestCreateMessage(t *testing.T) {
	store, mock := setupStore(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs("general", "alice", "temp_1_0", "hello").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), now))
	mock.ExpectCommit()

	msg, err := store.CreateMessage(context.Background(), "general", "alice", "temp_1_0", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, "temp_1_0", msg.TempID)
	assert.Equal(t, now, msg.Timestamp)
	assert.Equal(t, "general", msg.RoomID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageRollsBack(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO messages`).WillReturnError(errors.New("insert or update violates foreign key"))
	mock.ExpectRollback()

	_, err := store.CreateMessage(context.Background(), "nowhere", "alice", "t", "hello")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var messageCols = []string{"id", "room_name", "username", "temp_id", "text", "created_at", "is_edited", "edited_at"}

func messageRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows(messageCols)
	for _, id := range ids {
		rows.AddRow(id, "general", "alice", "", "msg", time.Unix(id, 0), false, nil)
	}
	return rows
}

func reactionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"message_id", "emoji", "count"})
}

func TestListMessagesPaging(t *testing.T) {
	store, mock := setupStore(t)

	// limit 3 asks for 4 rows, newest first
	mock.ExpectQuery(`SELECT id, room_name, username, temp_id, text, created_at`).
		WithArgs("general", int64(0), 4).
		WillReturnRows(messageRows(10, 9, 8, 7))
	mock.ExpectQuery(`FROM message_reactions`).
		WillReturnRows(reactionRows().AddRow(int64(9), "👍", 2).AddRow(int64(7), "🎉", 1))

	page, err := store.ListMessages(context.Background(), "general", 0, 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, int64(8), page.Messages[0].ID)
	assert.Equal(t, int64(10), page.Messages[2].ID)
	assert.Equal(t, int64(8), page.NextCursor)
	assert.Equal(t, map[string]int{"👍": 2}, page.Messages[1].Reactions)
	assert.Nil(t, page.Messages[0].Reactions)

	mock.ExpectQuery(`SELECT id, room_name, username, temp_id, text, created_at`).
		WithArgs("general", int64(8), 4).
		WillReturnRows(messageRows(7, 6))
	mock.ExpectQuery(`FROM message_reactions`).WillReturnRows(reactionRows())

	page, err = store.ListMessages(context.Background(), "general", 8, 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(6), page.Messages[0].ID)
	assert.Zero(t, page.NextCursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesClampsLimit(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`FROM messages`).
		WithArgs("general", int64(0), MaxHistoryLimit+1).
		WillReturnRows(messageRows())
	mock.ExpectQuery(`FROM messages`).
		WithArgs("general", int64(0), DefaultHistoryLimit+1).
		WillReturnRows(messageRows())

	page, err := store.ListMessages(context.Background(), "general", 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	_, err = store.ListMessages(context.Background(), "general", 0, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAndUpdateMessage(t *testing.T) {
	store, mock := setupStore(t)
	edited := time.Date(2025, 1, 1, 12, 5, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM messages WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(5), "general", "alice", "temp_1_0", "helo", time.Unix(5, 0), false, nil))
	mock.ExpectQuery(`FROM messages WHERE id = \$1`).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows(messageCols))
	mock.ExpectQuery(`UPDATE messages`).
		WithArgs("hello", int64(5)).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(5), "general", "alice", "temp_1_0", "hello", time.Unix(5, 0), true, edited))

	msg, err := store.FindMessage(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.User)
	assert.Equal(t, "temp_1_0", msg.TempID)
	assert.Nil(t, msg.EditedAt)

	_, err = store.FindMessage(context.Background(), 6)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	msg, err = store.UpdateMessage(context.Background(), 5, "hello")
	require.NoError(t, err)
	assert.True(t, msg.Edited)
	require.NotNil(t, msg.EditedAt)
	assert.Equal(t, edited, *msg.EditedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessage(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`DELETE FROM messages WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM messages WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.DeleteMessage(context.Background(), 5))
	assert.ErrorIs(t, store.DeleteMessage(context.Background(), 5), storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleReaction(t *testing.T) {
	store, mock := setupStore(t)

	// First toggle adds
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM message_reactions`).
		WithArgs(int64(5), "bob", "👍").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO message_reactions`).
		WithArgs(int64(5), "bob", "👍").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM message_reactions`).
		WithArgs(int64(5), "👍").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	// Second toggle removes
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM message_reactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM message_reactions`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	// Reacting to a message that is gone
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM message_reactions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO message_reactions`).
		WillReturnError(&pq.Error{Code: foreignKeyViolation})
	mock.ExpectRollback()

	r, err := store.ToggleReaction(context.Background(), 5, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, models.ReactionAdded, r.Action)
	assert.Equal(t, 2, r.Count)

	r, err = store.ToggleReaction(context.Background(), 5, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, models.ReactionRemoved, r.Action)
	assert.Equal(t, 1, r.Count)

	_, err = store.ToggleReaction(context.Background(), 99, "bob", "👍")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRoom(t *testing.T) {
	store, mock := setupStore(t)
	cols := []string{"name", "description", "creator", "is_private", "member_count", "created_at"}

	mock.ExpectQuery(`FROM rooms WHERE name = \$1`).
		WithArgs("general").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("general", "General", "system", false, 3, time.Now()))
	mock.ExpectQuery(`FROM rooms WHERE name = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	room, err := store.FindRoom(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, 3, room.MemberCount)

	_, err = store.FindRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoomDuplicate(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`INSERT INTO rooms`).
		WithArgs("random", "", "alice", false).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery(`INSERT INTO rooms`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	room, err := store.CreateRoom(context.Background(), models.Room{Name: " Random ", Creator: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "random", room.Name)

	_, err = store.CreateRoom(context.Background(), models.Room{Name: "random"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMemberCount(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`UPDATE rooms SET member_count`).
		WithArgs(2, "general").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateMemberCount(context.Background(), "general", 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUsers(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`WHERE username = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"username", "avatar", "created_at"}).
			AddRow("alice", "a.png", time.Now()))

	users, err := store.FindUsers(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, "a.png", users["alice"].Avatar)

	empty, err := store.FindUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rooms`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ALTER TABLE messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS message_reactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_messages_room_id`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO rooms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
