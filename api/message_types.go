package api

import (
	"encoding/json"
	"fmt"

	"github.com/codepair/gateway/internal/room"
)

// EventType identifies a WebSocket event. Client events mirror the bus
// topics one-to-one; routing keys (roomId/userId) travel in the payload.
type EventType string

const (
	EventClientConnected    EventType = "clientConnected"
	EventClientDisconnected EventType = "clientDisconnected"
	EventFindMatch          EventType = "findMatch"
	EventMatchSuccess       EventType = "matchSuccess"
	EventSendLanguage       EventType = "sendLanguage"
	EventSendCurrentCode    EventType = "sendCurrentCode"
	EventSendDrawing        EventType = "sendDrawing"
	EventSendUndoDrawing    EventType = "sendUndoDrawing"
	EventSendRedoDrawing    EventType = "sendRedoDrawing"
	EventSendClearDrawing   EventType = "sendClearDrawing"
	EventSendMessage        EventType = "sendMessage"
	EventSendLeaveRoom      EventType = "sendLeaveRoom"

	// Server-originated events
	EventRoomState EventType = "roomState"
	EventError     EventType = "error"
)

// ClientConnectedPayload re-announces an established session; the gateway
// treats it as a registry heartbeat.
type ClientConnectedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

func (p ClientConnectedPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// ClientDisconnectedPayload announces an explicit disconnect.
type ClientDisconnectedPayload struct {
	UserID string `json:"userId"`
}

func (p ClientDisconnectedPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// FindMatchPayload requests a match from the matching service.
type FindMatchPayload struct {
	Difficulty string `json:"difficulty"`
	UserID     string `json:"userId"`
}

func (p FindMatchPayload) Validate() error {
	if p.Difficulty == "" {
		return fmt.Errorf("difficulty is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// MatchSuccessPayload is produced by the matching service: a room
// assignment for exactly the matched users.
type MatchSuccessPayload struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
}

func (p MatchSuccessPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(p.UserIDs) == 0 {
		return fmt.Errorf("userIds is required")
	}
	return nil
}

// LanguagePayload switches the room's active code language.
type LanguagePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

func (p LanguagePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if p.Language == "" {
		return fmt.Errorf("language is required")
	}
	return nil
}

// CodePayload replaces the room's code buffer. Rev is assigned by the
// applying instance and carried on the bus so replicas can resolve races
// last-write-wins; clients never set it.
type CodePayload struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
	Rev    uint64 `json:"rev,omitempty"`
}

func (p CodePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

// DrawingPayload appends a whiteboard stroke. StrokeID is assigned by the
// gateway when absent.
type DrawingPayload struct {
	RoomID     string          `json:"roomId"`
	StrokeID   string          `json:"strokeId,omitempty"`
	StrokeData json.RawMessage `json:"strokeData"`
}

func (p DrawingPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(p.StrokeData) == 0 {
		return fmt.Errorf("strokeData is required")
	}
	return nil
}

// RoomPayload covers the drawing cursor operations that only need a room:
// undo, redo, clear.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p RoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

// ChatPayload appends a chat message. MessageID is caller-supplied, opaque,
// and the idempotence key for redelivery.
type ChatPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Time      string `json:"time"`
}

func (p ChatPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if p.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// LeaveRoomPayload finalizes a participant's departure. Clients send only
// roomId; the gateway fills UserID from the session before the event
// reaches the bus.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

func (p LeaveRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}

// SnapshotRequestPayload asks whichever instance holds a replica of the
// room to publish its state, for a reconnect landing on a fresh instance.
type SnapshotRequestPayload struct {
	RoomID  string `json:"roomId"`
	ReplyTo string `json:"replyTo"`
}

// SnapshotResponsePayload carries a room snapshot to the instance that
// asked for it.
type SnapshotResponsePayload struct {
	RoomID   string        `json:"roomId"`
	Target   string        `json:"target"`
	Snapshot room.Snapshot `json:"snapshot"`
}

// RoomStatePayload is pushed to a (re)joining client so its UI can render
// the current room without replaying history.
type RoomStatePayload struct {
	RoomID       string             `json:"roomId"`
	Language     string             `json:"language"`
	Code         string             `json:"code"`
	DrawingLog   []room.Stroke      `json:"drawingLog"`
	Cursor       int                `json:"cursor"`
	ChatLog      []room.ChatMessage `json:"chatLog"`
	Participants []string           `json:"participants"`
}

// ErrorPayload is the explicit rejection sent to a client whose event was
// invalid or unauthorized, so UIs can distinguish "in flight" from
// "rejected".
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeEvent wraps a payload with its event discriminator into the flat
// wire shape clients exchange: {"event": "...", ...payload fields...}.
func EncodeEvent(event EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload for %s is not an object: %w", event, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	eventName, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	fields["event"] = eventName
	return json.Marshal(fields)
}
