package room

import (
	"errors"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/codepair/gateway/internal/slogging"
)

// ErrUnknownRoom indicates an event referenced a room with no local replica.
var ErrUnknownRoom = errors.New("unknown room")

// Manager owns every room replica held by this instance. Apply functions
// return applied=false when the operation was a duplicate or a boundary
// no-op, so the caller knows not to fan the event out again.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	chatPolicy *bluemonday.Policy
}

// NewManager creates an empty room manager. Chat text passes through a
// strict HTML sanitizer before entering a transcript.
func NewManager() *Manager {
	return &Manager{
		rooms:      make(map[string]*Room),
		chatPolicy: bluemonday.StrictPolicy(),
	}
}

// Create returns the replica for roomID, creating it with the given fixed
// participant set if absent. Creation is idempotent: matchSuccess is
// broadcast to every instance and more than one may hold the matched users.
func (m *Manager) Create(roomID string, userIDs []string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, userIDs)
	m.rooms[roomID] = r
	slogging.Get().Info("Room replica created - room_id: %s, participants: %d", roomID, len(userIDs))
	return r
}

// Get returns the local replica for roomID, if any.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Count returns the number of local room replicas.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Evict drops the local replica for roomID. Called once all participants
// have left; not a hard delete of any shared state.
func (m *Manager) Evict(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; ok {
		delete(m.rooms, roomID)
		slogging.Get().Info("Room replica evicted - room_id: %s", roomID)
	}
}

// ApplyLanguage sets the room's active code language.
func (m *Manager) ApplyLanguage(roomID, language, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return false, nil
	}
	r.language = language
	return true, nil
}

// ApplyCode applies a code buffer update with last-write-wins semantics.
// rev == 0 marks a locally originated update: the room assigns the next
// revision and returns it for publishing. A remote update is applied only
// if its revision is at least the current one; older revisions lose the
// race and are dropped. Exact convergence under concurrent edits is a
// stated non-goal.
func (m *Manager) ApplyCode(roomID, code string, rev uint64, opID string) (uint64, bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return 0, false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return r.codeRev, false, nil
	}
	if rev == 0 {
		rev = r.codeRev + 1
	} else if rev < r.codeRev {
		return r.codeRev, false, nil
	}
	r.codeBuffer = code
	r.codeRev = rev
	return rev, true, nil
}

// ApplyDrawing appends a stroke and advances the cursor to the end. Any
// redo entries past the cursor are discarded: a new stroke invalidates
// stale redo history.
func (m *Manager) ApplyDrawing(roomID string, stroke Stroke, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return false, nil
	}
	r.drawingLog = append(r.drawingLog[:r.cursor], stroke)
	r.cursor = len(r.drawingLog)
	return true, nil
}

// ApplyUndo moves the cursor back one stroke. At the lower boundary it is a
// no-op, not an error.
func (m *Manager) ApplyUndo(roomID, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return false, nil
	}
	if r.cursor == 0 {
		return false, nil
	}
	r.cursor--
	return true, nil
}

// ApplyRedo moves the cursor forward one stroke. At the upper boundary it
// is a no-op, not an error.
func (m *Manager) ApplyRedo(roomID, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return false, nil
	}
	if r.cursor >= len(r.drawingLog) {
		return false, nil
	}
	r.cursor++
	return true, nil
}

// ApplyClear truncates the drawing log and resets the cursor.
func (m *Manager) ApplyClear(roomID, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markApplied(opID) {
		return false, nil
	}
	r.drawingLog = nil
	r.cursor = 0
	return true, nil
}

// ApplyChat appends a chat message in arrival order. A duplicate messageId
// for the same room is idempotently ignored, which makes redelivered chat
// events safe. Message text is HTML-sanitized before it enters the
// transcript.
func (m *Manager) ApplyChat(roomID string, msg ChatMessage, opID string) (bool, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.chatSeen[msg.MessageID]; dup {
		return false, nil
	}
	if r.markApplied(opID) {
		return false, nil
	}
	msg.Text = m.chatPolicy.Sanitize(msg.Text)
	r.chatSeen[msg.MessageID] = struct{}{}
	r.chatLog = append(r.chatLog, msg)
	return true, nil
}

// Sanitize applies the chat HTML policy to text. Handlers use it so the
// copy fanned out to sockets matches the copy stored in the transcript.
func (m *Manager) Sanitize(text string) string {
	return m.chatPolicy.Sanitize(text)
}

// MarkDisconnected flags a participant as temporarily gone without removing
// them; the grace period decides whether the departure becomes final.
func (m *Manager) MarkDisconnected(roomID, userID string) {
	r, ok := m.Get(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[userID]; ok && !p.Left {
		p.Disconnected = true
		p.LastSeen = time.Now().UTC()
	}
}

// Rejoin clears the disconnected flag for a participant who came back
// within the grace period.
func (m *Manager) Rejoin(roomID, userID string) error {
	r, ok := m.Get(roomID)
	if !ok {
		return ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok || p.Left {
		return ErrUnknownRoom
	}
	p.Disconnected = false
	p.LastSeen = time.Now().UTC()
	return nil
}

// RemoveParticipant finalizes a departure. It is applied at most once per
// participant; repeated calls are no-ops. The second return value reports
// whether every participant has now left, making the replica eligible for
// eviction.
func (m *Manager) RemoveParticipant(roomID, userID string) (removed bool, empty bool, err error) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, false, ErrUnknownRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || p.Left {
		return false, r.allLeftLocked(), nil
	}
	p.Left = true
	p.Disconnected = true
	return true, r.allLeftLocked(), nil
}

func (r *Room) allLeftLocked() bool {
	for _, p := range r.participants {
		if !p.Left {
			return false
		}
	}
	return true
}

// Snapshot returns the serializable state of a local replica.
func (m *Manager) Snapshot(roomID string) (Snapshot, bool) {
	r, ok := m.Get(roomID)
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Adopt installs a snapshot received from another instance. A replica that
// already exists locally is kept as-is; the local copy has been receiving
// the same bus stream and is at least as current.
func (m *Manager) Adopt(snap Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[snap.RoomID]; ok {
		return false
	}
	m.rooms[snap.RoomID] = roomFromSnapshot(snap)
	slogging.Get().Info("Room replica adopted from snapshot - room_id: %s", snap.RoomID)
	return true
}
