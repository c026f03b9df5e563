package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{ Validate() error }
		wantErr bool
	}{
		{"findMatch valid", FindMatchPayload{UserID: "u1", Difficulty: "medium"}, false},
		{"findMatch missing difficulty", FindMatchPayload{UserID: "u1"}, true},
		{"findMatch missing user", FindMatchPayload{Difficulty: "easy"}, true},
		{"matchSuccess valid", MatchSuccessPayload{RoomID: "r1", UserIDs: []string{"u1", "u2"}}, false},
		{"matchSuccess missing room", MatchSuccessPayload{UserIDs: []string{"u1", "u2"}}, true},
		{"matchSuccess no users", MatchSuccessPayload{RoomID: "r1"}, true},
		{"language valid", LanguagePayload{RoomID: "r1", Language: "go"}, false},
		{"language missing language", LanguagePayload{RoomID: "r1"}, true},
		{"code valid", CodePayload{RoomID: "r1", Code: "package main"}, false},
		{"code empty buffer is valid", CodePayload{RoomID: "r1"}, false},
		{"code missing room", CodePayload{Code: "x"}, true},
		{"drawing valid", DrawingPayload{RoomID: "r1", StrokeData: json.RawMessage(`{"points":[]}`)}, false},
		{"drawing missing data", DrawingPayload{RoomID: "r1"}, true},
		{"room op valid", RoomPayload{RoomID: "r1"}, false},
		{"room op missing room", RoomPayload{}, true},
		{"chat valid", ChatPayload{RoomID: "r1", MessageID: "m1", Name: "alice"}, false},
		{"chat missing message id", ChatPayload{RoomID: "r1", Name: "alice"}, true},
		{"chat missing name", ChatPayload{RoomID: "r1", MessageID: "m1"}, true},
		{"leave valid", LeaveRoomPayload{RoomID: "r1"}, false},
		{"leave missing room", LeaveRoomPayload{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeEventFlattensPayload(t *testing.T) {
	data, err := EncodeEvent(EventSendCurrentCode, CodePayload{RoomID: "r1", Code: "x := 1", Rev: 3})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "sendCurrentCode", decoded["event"])
	assert.Equal(t, "r1", decoded["roomId"])
	assert.Equal(t, "x := 1", decoded["code"])
	assert.Equal(t, float64(3), decoded["rev"])
}

func TestEncodeEventEmptyPayload(t *testing.T) {
	data, err := EncodeEvent(EventError, struct{}{})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["event"])
}
