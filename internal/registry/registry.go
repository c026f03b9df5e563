// Package registry implements the shared connection registry: a replicated
// mapping from user identity to the socket and gateway instance currently
// serving it, with TTL-based eviction for crash recovery.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codepair/gateway/internal/redisdb"
	"github.com/codepair/gateway/internal/slogging"
)

const (
	connKeyPrefix = "gw:conn:"
	roomKeyPrefix = "gw:room:"
)

// ErrUnavailable indicates the backing store could not be reached and the
// registry served the request from its instance-local fallback.
var ErrUnavailable = errors.New("connection registry unavailable")

// Entry maps a user to the physical socket holding the connection.
type Entry struct {
	SocketID   string `json:"socket_id"`
	InstanceID string `json:"instance_id"`
}

// Registry is the shared user -> (socket, instance) mapping. Writes are
// last-write-wins per user: a new connection for the same user replaces the
// prior entry. When Redis is unreachable the registry degrades to
// instance-local visibility instead of failing hard; Available reports the
// degraded condition for the health endpoint.
type Registry struct {
	rdb *redisdb.DB
	ttl time.Duration

	mu         sync.RWMutex
	localConns map[string]Entry
	localRooms map[string]string

	degraded atomic.Bool
}

// New creates a registry with the given entry TTL. The TTL should equal the
// reconnect grace period so stale entries from crashed instances expire on
// the same schedule that finalizes participant departure.
func New(rdb *redisdb.DB, ttl time.Duration) *Registry {
	return &Registry{
		rdb:        rdb,
		ttl:        ttl,
		localConns: make(map[string]Entry),
		localRooms: make(map[string]string),
	}
}

// Available reports whether the shared store was reachable on the most
// recent operation.
func (r *Registry) Available() bool {
	return !r.degraded.Load()
}

func (r *Registry) markDegraded(op string, err error) {
	if r.degraded.CompareAndSwap(false, true) {
		slogging.Get().Warn("Connection registry degraded to local-only visibility (%s): %v", op, err)
	}
}

func (r *Registry) markHealthy() {
	if r.degraded.CompareAndSwap(true, false) {
		slogging.Get().Info("Connection registry recovered, shared visibility restored")
	}
}

// Register records userID -> (socketID, instanceID), replacing any prior
// entry for the same user. The entry expires after the registry TTL unless
// refreshed.
func (r *Registry) Register(ctx context.Context, userID, socketID, instanceID string) error {
	entry := Entry{SocketID: socketID, InstanceID: instanceID}

	r.mu.Lock()
	r.localConns[userID] = entry
	r.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	if err := r.rdb.Set(ctx, connKeyPrefix+userID, string(data), r.ttl); err != nil {
		r.markDegraded("register", err)
		return nil
	}
	r.markHealthy()
	return nil
}

// Unregister removes the entry for userID.
func (r *Registry) Unregister(ctx context.Context, userID string) error {
	r.mu.Lock()
	delete(r.localConns, userID)
	r.mu.Unlock()

	if err := r.rdb.Del(ctx, connKeyPrefix+userID); err != nil {
		r.markDegraded("unregister", err)
		return nil
	}
	r.markHealthy()
	return nil
}

// Lookup resolves userID to its current socket entry. The second return
// value is false when no live entry exists anywhere.
func (r *Registry) Lookup(ctx context.Context, userID string) (Entry, bool, error) {
	data, err := r.rdb.Get(ctx, connKeyPrefix+userID)
	if err == nil {
		r.markHealthy()
		var entry Entry
		if jsonErr := json.Unmarshal([]byte(data), &entry); jsonErr != nil {
			return Entry{}, false, fmt.Errorf("corrupt registry entry for %s: %w", userID, jsonErr)
		}
		return entry, true, nil
	}
	if redisdb.IsNil(err) {
		r.markHealthy()
		return Entry{}, false, nil
	}

	r.markDegraded("lookup", err)
	r.mu.RLock()
	entry, ok := r.localConns[userID]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false, ErrUnavailable
	}
	return entry, true, nil
}

// Refresh renews the TTL on the user's entries. Called from the socket
// heartbeat so live connections never expire.
func (r *Registry) Refresh(ctx context.Context, userID string) error {
	if err := r.rdb.Expire(ctx, connKeyPrefix+userID, r.ttl); err != nil {
		r.markDegraded("refresh", err)
		return nil
	}
	_ = r.rdb.Expire(ctx, roomKeyPrefix+userID, r.ttl)
	r.markHealthy()
	return nil
}

// SetRoom records the room a user currently belongs to. Maintained on the
// matching hand-off, consulted on reconnect to rejoin the prior room.
func (r *Registry) SetRoom(ctx context.Context, userID, roomID string) error {
	r.mu.Lock()
	r.localRooms[userID] = roomID
	r.mu.Unlock()

	if err := r.rdb.Set(ctx, roomKeyPrefix+userID, roomID, r.ttl); err != nil {
		r.markDegraded("set room", err)
		return nil
	}
	r.markHealthy()
	return nil
}

// Room returns the room the user last joined, if any.
func (r *Registry) Room(ctx context.Context, userID string) (string, bool, error) {
	roomID, err := r.rdb.Get(ctx, roomKeyPrefix+userID)
	if err == nil {
		r.markHealthy()
		return roomID, roomID != "", nil
	}
	if redisdb.IsNil(err) {
		r.markHealthy()
		return "", false, nil
	}

	r.markDegraded("room lookup", err)
	r.mu.RLock()
	roomID, ok := r.localRooms[userID]
	r.mu.RUnlock()
	if !ok {
		return "", false, ErrUnavailable
	}
	return roomID, true, nil
}

// ClearRoom removes the user's room association. Called when departure is
// finalized after the grace period or on explicit leave.
func (r *Registry) ClearRoom(ctx context.Context, userID string) error {
	r.mu.Lock()
	delete(r.localRooms, userID)
	r.mu.Unlock()

	if err := r.rdb.Del(ctx, roomKeyPrefix+userID); err != nil {
		r.markDegraded("clear room", err)
		return nil
	}
	r.markHealthy()
	return nil
}
