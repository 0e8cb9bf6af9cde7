package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ClientEvent
		wantErr bool
	}{
		{
			name: "join normalizes room",
			raw:  `{"event":"join","data":{"userId":"alice","roomId":"  General "}}`,
			want: &JoinEvent{UserID: "alice", RoomID: "general"},
		},
		{
			name: "send message keeps raw text",
			raw:  `{"event":"sendMessage","data":{"tempId":"temp_1_0","roomId":"general","text":"  hi  "}}`,
			want: &SendMessageEvent{TempID: "temp_1_0", RoomID: "general", Text: "  hi  "},
		},
		{
			name: "empty text is left to the pipeline",
			raw:  `{"event":"sendMessage","data":{"tempId":"t","roomId":"general","text":""}}`,
			want: &SendMessageEvent{TempID: "t", RoomID: "general"},
		},
		{
			name: "heartbeat",
			raw:  `{"event":"heartbeat","data":{"timestamp":1700000000000}}`,
			want: &HeartbeatEvent{Timestamp: 1700000000000},
		},
		{
			name: "set status",
			raw:  `{"event":"setStatus","data":{"status":"away"}}`,
			want: &SetStatusEvent{Status: StatusAway},
		},
		{
			name:    "set status offline is not client settable",
			raw:     `{"event":"setStatus","data":{"status":"offline"}}`,
			wantErr: true,
		},
		{
			name:    "missing tempId",
			raw:     `{"event":"sendMessage","data":{"roomId":"general","text":"hi"}}`,
			wantErr: true,
		},
		{
			name:    "room with spaces inside",
			raw:     `{"event":"typing","data":{"roomId":"gen eral"}}`,
			wantErr: true,
		},
		{
			name:    "unknown event",
			raw:     `{"event":"explode","data":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: true,
		},
		{
			name: "edit message",
			raw:  `{"event":"editMessage","data":{"messageId":7,"roomId":"General","text":"fixed"}}`,
			want: &EditMessageEvent{MessageID: 7, RoomID: "general", Text: "fixed"},
		},
		{
			name:    "delete without message id",
			raw:     `{"event":"deleteMessage","data":{"roomId":"general"}}`,
			wantErr: true,
		},
		{
			name: "react",
			raw:  `{"event":"reactMessage","data":{"messageId":3,"roomId":"general","emoji":"👍"}}`,
			want: &ReactMessageEvent{MessageID: 3, RoomID: "general", Emoji: "👍"},
		},
		{
			name:    "react without emoji",
			raw:     `{"event":"reactMessage","data":{"messageId":3,"roomId":"general"}}`,
			wantErr: true,
		},
		{
			name:    "wrong payload type",
			raw:     `{"event":"join","data":{"roomId":42}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientEvent([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	raw, err := EncodeFrame(EventUserTyping, TypingPayload{RoomID: "general", User: "bob", Users: []string{"bob"}})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, EventUserTyping, frame.Event)
	assert.JSONEq(t, `{"roomId":"general","user":"bob","users":["bob"]}`, string(frame.Data))
}

func TestTempIDOf(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bad room keeps temp id", `{"event":"sendMessage","data":{"tempId":"temp_1_4","roomId":"Bad Room!","text":"hi"}}`, "temp_1_4"},
		{"numeric temp id", `{"event":"sendMessage","data":{"tempId":5}}`, ""},
		{"no data", `{"event":"sendMessage"}`, ""},
		{"not json", `nope`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TempIDOf([]byte(tt.raw)))
		})
	}
}

func TestEventErrorHelpers(t *testing.T) {
	base := NewEventError(KindRateLimit, CodeRateLimited, "slow down")
	tagged := base.WithTempID("temp_1")

	assert.Empty(t, base.TempID)
	assert.Equal(t, "temp_1", tagged.TempID)
	assert.True(t, IsCode(tagged, CodeRateLimited))
	assert.False(t, IsCode(tagged, CodeNotInRoom))
	assert.True(t, ErrNotAuthenticated().Rejoin)
	assert.Equal(t, "Failed to join room", ErrPersistence(CodeJoinFailed).Message)
	assert.Equal(t, "Failed to edit message", ErrPersistence(CodeEditFailed).Message)
}
