package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/codepair/gateway/internal/bus"
	"github.com/codepair/gateway/internal/room"
)

// handleBusEvent applies events published by peer instances to the local
// replicas and fans them out to local sockets. Events this instance
// published are skipped by origin id; they were applied and fanned out
// before publishing. Apply is idempotent on op id, so redelivery is safe.
func (s *Server) handleBusEvent(ctx context.Context, env bus.Envelope) {
	if env.OriginInstanceID == s.instanceID {
		return
	}
	metricBusDelivered.WithLabelValues(env.Topic).Inc()

	switch env.Topic {
	case bus.TopicMatchSuccess:
		s.relayMatchSuccess(ctx, env)
	case bus.TopicClientConnected:
		var payload ClientConnectedPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			s.logger.Debug("Peer presence: user %s connected elsewhere", payload.UserID)
		}
	case bus.TopicClientDisconnected:
		var payload ClientDisconnectedPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			s.logger.Debug("Peer presence: user %s disconnected elsewhere", payload.UserID)
		}
	case bus.TopicSendLanguage:
		var payload LanguagePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.dropMalformed(env, err)
			return
		}
		applied, err := s.rooms.ApplyLanguage(payload.RoomID, payload.Language, env.OpID)
		s.relayMutation(env, payload.RoomID, EventSendLanguage, payload, applied, err)
	case bus.TopicSendCurrentCode:
		var payload CodePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.dropMalformed(env, err)
			return
		}
		_, applied, err := s.rooms.ApplyCode(payload.RoomID, payload.Code, payload.Rev, env.OpID)
		s.relayMutation(env, payload.RoomID, EventSendCurrentCode, payload, applied, err)
	case bus.TopicSendDrawing:
		var payload DrawingPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.dropMalformed(env, err)
			return
		}
		applied, err := s.rooms.ApplyDrawing(payload.RoomID,
			room.Stroke{ID: payload.StrokeID, Data: payload.StrokeData}, env.OpID)
		s.relayMutation(env, payload.RoomID, EventSendDrawing, payload, applied, err)
	case bus.TopicSendUndoDrawing:
		s.relayCursorEvent(env, EventSendUndoDrawing, s.rooms.ApplyUndo)
	case bus.TopicSendRedoDrawing:
		s.relayCursorEvent(env, EventSendRedoDrawing, s.rooms.ApplyRedo)
	case bus.TopicSendClearDrawing:
		s.relayCursorEvent(env, EventSendClearDrawing, s.rooms.ApplyClear)
	case bus.TopicSendMessage:
		var payload ChatPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.dropMalformed(env, err)
			return
		}
		applied, err := s.rooms.ApplyChat(payload.RoomID, room.ChatMessage{
			MessageID: payload.MessageID,
			Sender:    payload.Name,
			Text:      payload.Message,
			Time:      payload.Time,
		}, env.OpID)
		s.relayMutation(env, payload.RoomID, EventSendMessage, payload, applied, err)
	case bus.TopicSendLeaveRoom:
		s.relayLeaveRoom(env)
	case bus.TopicRoomSnapshotRequest:
		s.relaySnapshotRequest(ctx, env)
	case bus.TopicRoomSnapshotResponse:
		s.relaySnapshotResponse(env)
	default:
		s.logger.Debug("Ignoring bus event on unhandled topic %s", env.Topic)
	}
}

// relayMatchSuccess installs the freshly matched room and notifies any
// matched user connected to this instance. Local replicas are created only
// on instances that host a participant; other instances stay lean.
func (s *Server) relayMatchSuccess(ctx context.Context, env bus.Envelope) {
	var payload MatchSuccessPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.dropMalformed(env, err)
		return
	}
	if err := payload.Validate(); err != nil {
		s.dropMalformed(env, err)
		return
	}

	local := make([]*Client, 0, len(payload.UserIDs))
	for _, userID := range payload.UserIDs {
		if client, ok := s.hub.ClientForUser(userID); ok {
			local = append(local, client)
		}
	}
	if len(local) == 0 {
		return
	}

	r := s.rooms.Create(payload.RoomID, payload.UserIDs)
	for _, client := range local {
		s.hub.JoinRoom(client, payload.RoomID)
		if err := s.reg.SetRoom(ctx, client.UserID, payload.RoomID); err != nil {
			s.logger.Warn("Failed to record room for user %s: %v", client.UserID, err)
		}
		s.sendEvent(client, EventMatchSuccess, payload)
		s.sendRoomState(client, r)
	}
	metricActiveRooms.Set(float64(s.rooms.Count()))
}

// relayMutation fans an applied peer mutation out to local room sockets.
// A replica we do not hold is normal, not an error: this instance hosts no
// participant of that room.
func (s *Server) relayMutation(env bus.Envelope, roomID string, event EventType, payload any, applied bool, err error) {
	if err != nil {
		if errors.Is(err, room.ErrUnknownRoom) {
			metricEventsRouted.WithLabelValues(string(event), outcomeDropped).Inc()
			return
		}
		s.logger.Error("Failed to apply bus event %s for room %s: %v", env.Topic, roomID, err)
		return
	}
	if !applied {
		metricDuplicatesDropped.WithLabelValues(string(event)).Inc()
		return
	}
	s.fanOutToRoom(roomID, event, payload, "")
}

func (s *Server) relayCursorEvent(env bus.Envelope, event EventType, apply func(roomID, opID string) (bool, error)) {
	var payload RoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.dropMalformed(env, err)
		return
	}
	applied, err := apply(payload.RoomID, env.OpID)
	s.relayMutation(env, payload.RoomID, event, payload, applied, err)
}

// relayLeaveRoom finalizes a departure decided elsewhere against the local
// replica, evicting it once every participant has left.
func (s *Server) relayLeaveRoom(env bus.Envelope) {
	var payload LeaveRoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.dropMalformed(env, err)
		return
	}
	removed, empty, err := s.rooms.RemoveParticipant(payload.RoomID, payload.UserID)
	if err != nil {
		return
	}
	if removed {
		s.fanOutToRoom(payload.RoomID, EventSendLeaveRoom, payload, "")
	}
	if empty {
		s.rooms.Evict(payload.RoomID)
		metricActiveRooms.Set(float64(s.rooms.Count()))
	}
}

// relaySnapshotRequest answers a peer that needs the state of a room this
// instance holds, typically because a participant reconnected there.
func (s *Server) relaySnapshotRequest(ctx context.Context, env bus.Envelope) {
	var payload SnapshotRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.dropMalformed(env, err)
		return
	}
	snap, ok := s.rooms.Snapshot(payload.RoomID)
	if !ok {
		return
	}
	s.publish(ctx, bus.TopicRoomSnapshotResponse, env.OpID, SnapshotResponsePayload{
		RoomID:   payload.RoomID,
		Target:   payload.ReplyTo,
		Snapshot: snap,
	})
}

// relaySnapshotResponse adopts a snapshot addressed to this instance and
// completes any reconnects waiting on it.
func (s *Server) relaySnapshotResponse(env bus.Envelope) {
	var payload SnapshotResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.dropMalformed(env, err)
		return
	}
	if payload.Target != s.instanceID {
		return
	}
	s.rooms.Adopt(payload.Snapshot)
	s.lifecycle.CompletePendingRejoins(payload.RoomID)
}

func (s *Server) dropMalformed(env bus.Envelope, err error) {
	s.logger.Warn("Dropping malformed bus event on topic %s from instance %s: %v",
		env.Topic, env.OriginInstanceID, err)
}
