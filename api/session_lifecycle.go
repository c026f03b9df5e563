package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codepair/gateway/internal/bus"
	"github.com/codepair/gateway/internal/registry"
)

// LifecycleManager owns the connect, disconnect and departure flow for
// sockets on this instance. Its central job is the reconnect grace period:
// a dropped socket does not remove the user from their room until the
// grace window passes without them coming back.
type LifecycleManager struct {
	s     *Server
	grace time.Duration

	mu             sync.Mutex
	departures     map[string]*pendingDeparture // keyed by user id
	pendingRejoins map[string][]*Client         // keyed by room id, waiting on a snapshot
}

type pendingDeparture struct {
	timer  *time.Timer
	roomID string
}

// NewLifecycleManager creates a lifecycle manager with the given reconnect
// grace period.
func NewLifecycleManager(s *Server, grace time.Duration) *LifecycleManager {
	return &LifecycleManager{
		s:              s,
		grace:          grace,
		departures:     make(map[string]*pendingDeparture),
		pendingRejoins: make(map[string][]*Client),
	}
}

// Connect attaches a freshly upgraded socket: it registers the session in
// the hub and the shared registry, cancels any pending departure for the
// user, and restores their room if they have one. A user may hold one live
// session; a second connect displaces the first.
func (l *LifecycleManager) Connect(ctx context.Context, client *Client) {
	if displaced := l.s.hub.Register(client); displaced != nil {
		l.s.sendError(displaced, "session_replaced", "A newer connection replaced this session")
		displaced.closeConn()
		l.s.logger.Info("Displaced prior session for user %s - old_socket: %s, new_socket: %s",
			client.UserID, displaced.SocketID, client.SocketID)
	}

	l.cancelDeparture(client.UserID)

	if err := l.s.reg.Register(ctx, client.UserID, client.SocketID, l.s.instanceID); err != nil {
		l.s.logger.Warn("Registry register failed for user %s: %v", client.UserID, err)
	}
	l.s.publish(ctx, bus.TopicClientConnected, uuid.New().String(),
		ClientConnectedPayload{UserID: client.UserID})

	l.restoreRoom(ctx, client)
}

// restoreRoom puts a (re)connecting client back into the room the registry
// remembers for them. When the replica lives on another instance, the
// client joins immediately for fanout purposes and the state arrives via a
// snapshot exchange on the bus.
func (l *LifecycleManager) restoreRoom(ctx context.Context, client *Client) {
	roomID, ok, err := l.s.reg.Room(ctx, client.UserID)
	if err != nil {
		if !errors.Is(err, registry.ErrUnavailable) {
			l.s.logger.Warn("Room lookup failed for user %s: %v", client.UserID, err)
		}
		return
	}
	if !ok {
		return
	}

	if _, held := l.s.rooms.Get(roomID); held {
		if err := l.s.rooms.Rejoin(roomID, client.UserID); err != nil {
			// The replica no longer counts them as a participant (the
			// grace period already expired elsewhere). Drop the mapping.
			if cerr := l.s.reg.ClearRoom(ctx, client.UserID); cerr != nil {
				l.s.logger.Warn("Failed to clear room for user %s: %v", client.UserID, cerr)
			}
			return
		}
		l.s.hub.JoinRoom(client, roomID)
		r, _ := l.s.rooms.Get(roomID)
		l.s.sendRoomState(client, r)
		return
	}

	l.s.hub.JoinRoom(client, roomID)
	l.mu.Lock()
	l.pendingRejoins[roomID] = append(l.pendingRejoins[roomID], client)
	l.mu.Unlock()
	l.s.publish(ctx, bus.TopicRoomSnapshotRequest, uuid.New().String(),
		SnapshotRequestPayload{RoomID: roomID, ReplyTo: l.s.instanceID})
}

// CompletePendingRejoins finishes reconnects that were waiting for the
// room's snapshot to arrive from a peer instance.
func (l *LifecycleManager) CompletePendingRejoins(roomID string) {
	l.mu.Lock()
	waiting := l.pendingRejoins[roomID]
	delete(l.pendingRejoins, roomID)
	l.mu.Unlock()

	r, ok := l.s.rooms.Get(roomID)
	if !ok {
		return
	}
	for _, client := range waiting {
		if current, live := l.s.hub.ClientForUser(client.UserID); !live || current.SocketID != client.SocketID {
			continue
		}
		if err := l.s.rooms.Rejoin(roomID, client.UserID); err != nil {
			continue
		}
		l.s.sendRoomState(client, r)
	}
}

// Heartbeat extends the session's registry TTL. Called from the read pump
// on every pong.
func (l *LifecycleManager) Heartbeat(client *Client) {
	if err := l.s.reg.Refresh(context.Background(), client.UserID); err != nil {
		l.s.logger.Debug("Heartbeat refresh failed for user %s: %v", client.UserID, err)
	}
}

// Disconnect handles a closed socket. The user keeps their room seat: the
// replica marks them disconnected and a grace timer decides later whether
// the departure becomes final. A socket that was displaced by a newer
// session for the same user is ignored entirely.
func (l *LifecycleManager) Disconnect(client *Client) {
	ctx := context.Background()

	if current, ok := l.s.hub.ClientForUser(client.UserID); ok && current.SocketID != client.SocketID {
		l.s.hub.Unregister(client)
		return
	}
	l.s.hub.Unregister(client)

	// Only tear down the registry entry if it still points at this socket;
	// a reconnect through another instance may have overwritten it.
	if entry, found, err := l.s.reg.Lookup(ctx, client.UserID); err == nil && found && entry.SocketID != client.SocketID {
		return
	}

	l.s.publish(ctx, bus.TopicClientDisconnected, uuid.New().String(),
		ClientDisconnectedPayload{UserID: client.UserID})

	roomID := client.RoomID()
	if roomID == "" {
		if err := l.s.reg.Unregister(ctx, client.UserID); err != nil {
			l.s.logger.Warn("Registry unregister failed for user %s: %v", client.UserID, err)
		}
		return
	}

	l.s.rooms.MarkDisconnected(roomID, client.UserID)
	l.scheduleDeparture(client.UserID, roomID)
}

// Leave finalizes a deliberate departure immediately.
func (l *LifecycleManager) Leave(ctx context.Context, client *Client, roomID string) {
	l.cancelDeparture(client.UserID)
	l.s.hub.LeaveRoom(client)
	l.finalizeDeparture(ctx, client.UserID, roomID, client.SocketID)
}

func (l *LifecycleManager) scheduleDeparture(userID, roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.departures[userID]; ok {
		prior.timer.Stop()
	}
	l.departures[userID] = &pendingDeparture{
		roomID: roomID,
		timer: time.AfterFunc(l.grace, func() {
			l.expireDeparture(userID, roomID)
		}),
	}
}

func (l *LifecycleManager) cancelDeparture(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.departures[userID]; ok {
		prior.timer.Stop()
		delete(l.departures, userID)
	}
}

// expireDeparture runs when the grace period lapses without a reconnect.
// A reconnect that raced the timer wins: a live session for the user on
// this instance aborts the expiry.
func (l *LifecycleManager) expireDeparture(userID, roomID string) {
	l.mu.Lock()
	pending, ok := l.departures[userID]
	if !ok || pending.roomID != roomID {
		l.mu.Unlock()
		return
	}
	delete(l.departures, userID)
	l.mu.Unlock()

	if _, live := l.s.hub.ClientForUser(userID); live {
		return
	}

	ctx := context.Background()
	if entry, found, err := l.s.reg.Lookup(ctx, userID); err == nil && found && entry.InstanceID != l.s.instanceID {
		// They reconnected through a peer instance during the grace window.
		return
	}

	l.s.logger.Info("Reconnect grace expired for user %s in room %s", userID, roomID)
	l.finalizeDeparture(ctx, userID, roomID, "")
}

// finalizeDeparture removes the participant from the room exactly once,
// announces it locally and on the bus, clears the registry, and evicts the
// replica when everyone has left.
func (l *LifecycleManager) finalizeDeparture(ctx context.Context, userID, roomID, exceptSocketID string) {
	removed, empty, err := l.s.rooms.RemoveParticipant(roomID, userID)
	if err != nil {
		removed, empty = false, false
	}

	if removed {
		payload := LeaveRoomPayload{RoomID: roomID, UserID: userID}
		l.s.fanOutToRoom(roomID, EventSendLeaveRoom, payload, exceptSocketID)
		l.s.publish(ctx, bus.TopicSendLeaveRoom, uuid.New().String(), payload)
	}

	if err := l.s.reg.ClearRoom(ctx, userID); err != nil {
		l.s.logger.Warn("Failed to clear room for user %s: %v", userID, err)
	}
	if _, live := l.s.hub.ClientForUser(userID); !live {
		if err := l.s.reg.Unregister(ctx, userID); err != nil {
			l.s.logger.Warn("Registry unregister failed for user %s: %v", userID, err)
		}
	}

	if empty {
		l.s.rooms.Evict(roomID)
		l.mu.Lock()
		delete(l.pendingRejoins, roomID)
		l.mu.Unlock()
	}
	metricActiveRooms.Set(float64(l.s.rooms.Count()))
}
