package api

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/codepair/gateway/internal/bus"
	"github.com/codepair/gateway/internal/room"
	"github.com/codepair/gateway/internal/slogging"
)

var (
	errIdentityMismatch = errors.New("event identity does not match session")
	errStaleRoom        = errors.New("stale room reference")
)

// MessageHandler handles one client event type.
type MessageHandler interface {
	HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error
	EventType() EventType
}

// MessageRouter routes client events to their handlers.
type MessageRouter struct {
	s        *Server
	handlers map[EventType]MessageHandler
}

// NewMessageRouter creates a router with the full set of client event
// handlers registered.
func NewMessageRouter(s *Server) *MessageRouter {
	router := &MessageRouter{
		s:        s,
		handlers: make(map[EventType]MessageHandler),
	}

	router.RegisterHandler(&ClientConnectedHandler{})
	router.RegisterHandler(&ClientDisconnectedHandler{})
	router.RegisterHandler(&FindMatchHandler{})
	router.RegisterHandler(&SendLanguageHandler{})
	router.RegisterHandler(&SendCurrentCodeHandler{})
	router.RegisterHandler(&SendDrawingHandler{})
	router.RegisterHandler(&SendUndoDrawingHandler{})
	router.RegisterHandler(&SendRedoDrawingHandler{})
	router.RegisterHandler(&SendClearDrawingHandler{})
	router.RegisterHandler(&SendMessageHandler{})
	router.RegisterHandler(&SendLeaveRoomHandler{})

	return router
}

// RegisterHandler registers a handler for its event type.
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.EventType()] = handler
}

// Route parses the event discriminator and dispatches to the matching
// handler. A malformed or unsupported event is rejected back to the sender;
// it never tears down the connection.
func (r *MessageRouter) Route(client *Client, message []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("PANIC in Route - socket: %s, user: %s, error: %v, stack: %s",
				client.SocketID, client.UserID, rec, debug.Stack())
		}
	}()

	var baseMsg struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		slogging.Get().Warn("Malformed event from user %s: %v, message: %s",
			client.UserID, err, slogging.SanitizeLogMessage(string(message)))
		r.s.sendError(client, "malformed_event", "Event is not valid JSON")
		metricEventsRouted.WithLabelValues("malformed", outcomeRejected).Inc()
		return
	}

	switch baseMsg.Event {
	case EventMatchSuccess, EventRoomState, EventError:
		slogging.Get().Warn("Client %s sent server-only event '%s'", client.UserID, baseMsg.Event)
		r.s.sendError(client, "invalid_event", "Event '"+string(baseMsg.Event)+"' is server-only")
		metricEventsRouted.WithLabelValues(string(baseMsg.Event), outcomeRejected).Inc()
		return
	}

	handler, exists := r.handlers[baseMsg.Event]
	if !exists {
		slogging.Get().Warn("Unsupported event '%s' from user %s",
			slogging.SanitizeLogMessage(string(baseMsg.Event)), client.UserID)
		r.s.sendError(client, "unsupported_event", "Event '"+string(baseMsg.Event)+"' is not supported")
		metricEventsRouted.WithLabelValues("unknown", outcomeRejected).Inc()
		return
	}

	if err := handler.HandleMessage(context.Background(), r.s, client, message); err != nil {
		slogging.Get().Debug("Event %s from user %s rejected: %v", baseMsg.Event, client.UserID, err)
		metricEventsRouted.WithLabelValues(string(baseMsg.Event), outcomeRejected).Inc()
		return
	}
	metricEventsRouted.WithLabelValues(string(baseMsg.Event), outcomeApplied).Inc()
}

// memberRoom resolves the room an event targets and verifies the sender is
// a current participant holding a live replica. Stale references, typical
// after an eviction raced a slow client, get an explicit rejection rather
// than a silent drop.
func (s *Server) memberRoom(client *Client, roomID string) (*room.Room, bool) {
	r, ok := s.rooms.Get(roomID)
	if !ok || !r.HasParticipant(client.UserID) {
		s.sendError(client, "stale_room", "Room '"+roomID+"' is not active for this session")
		return nil, false
	}
	return r, true
}

// ClientConnectedHandler refreshes presence for a connected session and
// announces it to peer instances.
type ClientConnectedHandler struct{}

func (h *ClientConnectedHandler) EventType() EventType { return EventClientConnected }

func (h *ClientConnectedHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload ClientConnectedPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid clientConnected payload")
		return err
	}
	if payload.UserID == "" {
		payload.UserID = client.UserID
	}
	if payload.UserID != client.UserID {
		s.sendError(client, "forbidden", "Cannot announce presence for another user")
		return errIdentityMismatch
	}

	if err := s.reg.Refresh(ctx, client.UserID); err != nil {
		slogging.Get().Warn("Presence refresh failed for user %s: %v", client.UserID, err)
	}
	s.publish(ctx, bus.TopicClientConnected, uuid.New().String(), ClientConnectedPayload{UserID: client.UserID})
	return nil
}

// ClientDisconnectedHandler handles an explicit disconnect announcement:
// the session detaches immediately instead of waiting for the socket close.
// Any room seat still goes through the reconnect grace flow, so a client
// that announced a disconnect and comes straight back keeps its room.
type ClientDisconnectedHandler struct{}

func (h *ClientDisconnectedHandler) EventType() EventType { return EventClientDisconnected }

func (h *ClientDisconnectedHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload ClientDisconnectedPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid clientDisconnected payload")
		return err
	}
	if payload.UserID == "" {
		payload.UserID = client.UserID
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if payload.UserID != client.UserID {
		s.sendError(client, "forbidden", "Cannot disconnect another user")
		return errIdentityMismatch
	}

	s.lifecycle.Disconnect(client)
	return nil
}

// FindMatchHandler enqueues the user for matchmaking. The gateway does not
// pair users itself; it forwards the request to the matchmaker through the
// bus and reacts to the matchSuccess it eventually publishes.
type FindMatchHandler struct{}

func (h *FindMatchHandler) EventType() EventType { return EventFindMatch }

func (h *FindMatchHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload FindMatchPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid findMatch payload")
		return err
	}
	if payload.UserID == "" {
		payload.UserID = client.UserID
	}
	if payload.UserID != client.UserID {
		s.sendError(client, "forbidden", "Cannot request a match for another user")
		return errIdentityMismatch
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}

	s.publish(ctx, bus.TopicFindMatch, uuid.New().String(), payload)
	return nil
}

// SendLanguageHandler switches the room's code language.
type SendLanguageHandler struct{}

func (h *SendLanguageHandler) EventType() EventType { return EventSendLanguage }

func (h *SendLanguageHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload LanguagePayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid sendLanguage payload")
		return err
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}

	opID := uuid.New().String()
	applied, err := s.rooms.ApplyLanguage(payload.RoomID, payload.Language, opID)
	if err != nil {
		s.sendError(client, "stale_room", "Room '"+payload.RoomID+"' is not active for this session")
		return err
	}
	if applied {
		s.fanOutToRoom(payload.RoomID, EventSendLanguage, payload, client.SocketID)
	}
	s.publish(ctx, bus.TopicSendLanguage, opID, payload)
	return nil
}

// SendCurrentCodeHandler replaces the shared code buffer. The replica
// assigns the revision; the payload republished on the bus carries it so
// peer replicas converge last-write-wins on concurrent edits.
type SendCurrentCodeHandler struct{}

func (h *SendCurrentCodeHandler) EventType() EventType { return EventSendCurrentCode }

func (h *SendCurrentCodeHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload CodePayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid sendCurrentCode payload")
		return err
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}

	opID := uuid.New().String()
	rev, applied, err := s.rooms.ApplyCode(payload.RoomID, payload.Code, 0, opID)
	if err != nil {
		s.sendError(client, "stale_room", "Room '"+payload.RoomID+"' is not active for this session")
		return err
	}
	payload.Rev = rev
	if applied {
		s.fanOutToRoom(payload.RoomID, EventSendCurrentCode, payload, client.SocketID)
	}
	s.publish(ctx, bus.TopicSendCurrentCode, opID, payload)
	return nil
}

// SendDrawingHandler appends a whiteboard stroke.
type SendDrawingHandler struct{}

func (h *SendDrawingHandler) EventType() EventType { return EventSendDrawing }

func (h *SendDrawingHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload DrawingPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid sendDrawing payload")
		return err
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}
	if payload.StrokeID == "" {
		payload.StrokeID = uuid.New().String()
	}

	opID := uuid.New().String()
	applied, err := s.rooms.ApplyDrawing(payload.RoomID, room.Stroke{ID: payload.StrokeID, Data: payload.StrokeData}, opID)
	if err != nil {
		s.sendError(client, "stale_room", "Room '"+payload.RoomID+"' is not active for this session")
		return err
	}
	if applied {
		s.fanOutToRoom(payload.RoomID, EventSendDrawing, payload, client.SocketID)
	}
	s.publish(ctx, bus.TopicSendDrawing, opID, payload)
	return nil
}

// SendUndoDrawingHandler moves the drawing cursor back one stroke.
type SendUndoDrawingHandler struct{}

func (h *SendUndoDrawingHandler) EventType() EventType { return EventSendUndoDrawing }

func (h *SendUndoDrawingHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	return handleCursorEvent(ctx, s, client, message, EventSendUndoDrawing, bus.TopicSendUndoDrawing, s.rooms.ApplyUndo)
}

// SendRedoDrawingHandler re-applies the most recently undone stroke.
type SendRedoDrawingHandler struct{}

func (h *SendRedoDrawingHandler) EventType() EventType { return EventSendRedoDrawing }

func (h *SendRedoDrawingHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	return handleCursorEvent(ctx, s, client, message, EventSendRedoDrawing, bus.TopicSendRedoDrawing, s.rooms.ApplyRedo)
}

// SendClearDrawingHandler wipes the whiteboard.
type SendClearDrawingHandler struct{}

func (h *SendClearDrawingHandler) EventType() EventType { return EventSendClearDrawing }

func (h *SendClearDrawingHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	return handleCursorEvent(ctx, s, client, message, EventSendClearDrawing, bus.TopicSendClearDrawing, s.rooms.ApplyClear)
}

// handleCursorEvent covers undo, redo and clear: same payload, same flow,
// different mutation. A boundary no-op (undo with nothing to undo) is still
// published so replicas stay aligned on the dedup window.
func handleCursorEvent(ctx context.Context, s *Server, client *Client, message []byte,
	event EventType, topic string, apply func(roomID, opID string) (bool, error)) error {
	var payload RoomPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid "+string(event)+" payload")
		return err
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}

	opID := uuid.New().String()
	applied, err := apply(payload.RoomID, opID)
	if err != nil {
		s.sendError(client, "stale_room", "Room '"+payload.RoomID+"' is not active for this session")
		return err
	}
	if applied {
		s.fanOutToRoom(payload.RoomID, event, payload, client.SocketID)
	}
	s.publish(ctx, topic, opID, payload)
	return nil
}

// SendMessageHandler appends a chat message.
type SendMessageHandler struct{}

func (h *SendMessageHandler) EventType() EventType { return EventSendMessage }

func (h *SendMessageHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload ChatPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid sendMessage payload")
		return err
	}
	if payload.MessageID == "" {
		payload.MessageID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}
	payload.Message = s.rooms.Sanitize(payload.Message)

	opID := uuid.New().String()
	applied, err := s.rooms.ApplyChat(payload.RoomID, room.ChatMessage{
		MessageID: payload.MessageID,
		Sender:    payload.Name,
		Text:      payload.Message,
		Time:      payload.Time,
	}, opID)
	if err != nil {
		s.sendError(client, "stale_room", "Room '"+payload.RoomID+"' is not active for this session")
		return err
	}
	if !applied {
		metricDuplicatesDropped.WithLabelValues(string(EventSendMessage)).Inc()
		return nil
	}
	s.fanOutToRoom(payload.RoomID, EventSendMessage, payload, client.SocketID)
	s.publish(ctx, bus.TopicSendMessage, opID, payload)
	return nil
}

// SendLeaveRoomHandler finalizes a deliberate departure immediately, with
// no grace period: the user asked to leave.
type SendLeaveRoomHandler struct{}

func (h *SendLeaveRoomHandler) EventType() EventType { return EventSendLeaveRoom }

func (h *SendLeaveRoomHandler) HandleMessage(ctx context.Context, s *Server, client *Client, message []byte) error {
	var payload LeaveRoomPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sendError(client, "malformed_event", "Invalid sendLeaveRoom payload")
		return err
	}
	if err := payload.Validate(); err != nil {
		s.sendError(client, "invalid_event", err.Error())
		return err
	}
	payload.UserID = client.UserID
	if _, ok := s.memberRoom(client, payload.RoomID); !ok {
		return errStaleRoom
	}

	s.lifecycle.Leave(ctx, client, payload.RoomID)
	return nil
}
