// Package room holds the per-room authoritative state: participant set,
// code buffer, drawing operation log with undo/redo cursor, and chat
// transcript. Replicas live in-process on every instance with local
// subscribers and converge through idempotent apply functions; the bus
// never mutates a room directly.
package room

import (
	"encoding/json"
	"sync"
	"time"
)

// opDedupWindow bounds the per-room set of remembered op ids. At-least-once
// bus delivery can redeliver recent operations but not arbitrarily old ones,
// so a sliding window is sufficient.
const opDedupWindow = 1024

// Stroke is one whiteboard drawing operation. Data is opaque to the
// gateway; only the client interprets it.
type Stroke struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ChatMessage is one room chat entry. MessageID is caller-supplied and
// treated as opaque; it is the idempotence key for at-least-once delivery.
type ChatMessage struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"name"`
	Text      string `json:"message"`
	Time      string `json:"time"`
}

// Participant tracks presence of one matched user in a room. The
// participant set is fixed when the matching service creates the room; the
// only mid-session membership change is leaving.
type Participant struct {
	UserID       string    `json:"user_id"`
	Left         bool      `json:"left"`
	Disconnected bool      `json:"disconnected"`
	LastSeen     time.Time `json:"last_seen"`
}

// Room is a single replicated room. All mutations go through the Manager's
// apply functions, which serialize on mu; local sockets and bus deliveries
// apply concurrently.
type Room struct {
	mu sync.Mutex

	id           string
	participants map[string]*Participant
	language     string
	codeBuffer   string
	codeRev      uint64
	drawingLog   []Stroke
	cursor       int // invariant: 0 <= cursor <= len(drawingLog)
	chatLog      []ChatMessage
	chatSeen     map[string]struct{}

	appliedOps map[string]struct{}
	opOrder    []string
}

func newRoom(id string, userIDs []string) *Room {
	r := &Room{
		id:           id,
		participants: make(map[string]*Participant, len(userIDs)),
		chatSeen:     make(map[string]struct{}),
		appliedOps:   make(map[string]struct{}),
	}
	now := time.Now().UTC()
	for _, uid := range userIDs {
		r.participants[uid] = &Participant{UserID: uid, LastSeen: now}
	}
	return r
}

// markApplied records opID and reports whether it was already applied.
// Callers must hold r.mu. An empty opID is never deduplicated.
func (r *Room) markApplied(opID string) bool {
	if opID == "" {
		return false
	}
	if _, dup := r.appliedOps[opID]; dup {
		return true
	}
	r.appliedOps[opID] = struct{}{}
	r.opOrder = append(r.opOrder, opID)
	if len(r.opOrder) > opDedupWindow {
		oldest := r.opOrder[0]
		r.opOrder = r.opOrder[1:]
		delete(r.appliedOps, oldest)
	}
	return false
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Language returns the current code language tag.
func (r *Room) Language() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.language
}

// Code returns the current code buffer and its logical revision.
func (r *Room) Code() (string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codeBuffer, r.codeRev
}

// DrawingState returns the full drawing log and the undo/redo cursor.
// Strokes past the cursor are undone but still redoable.
func (r *Room) DrawingState() ([]Stroke, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := make([]Stroke, len(r.drawingLog))
	copy(log, r.drawingLog)
	return log, r.cursor
}

// ChatLog returns the chat transcript in applied order.
func (r *Room) ChatLog() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := make([]ChatMessage, len(r.chatLog))
	copy(log, r.chatLog)
	return log
}

// Participants returns a copy of the participant states.
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// HasParticipant reports whether userID belongs to the room and has not left.
func (r *Room) HasParticipant(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	return ok && !p.Left
}

// Snapshot is the serializable form of a room replica, transferred over the
// bus when a reconnecting user lands on an instance without a local replica.
type Snapshot struct {
	RoomID       string        `json:"room_id"`
	Participants []Participant `json:"participants"`
	Language     string        `json:"language"`
	CodeBuffer   string        `json:"code_buffer"`
	CodeRev      uint64        `json:"code_rev"`
	DrawingLog   []Stroke      `json:"drawing_log"`
	Cursor       int           `json:"cursor"`
	ChatLog      []ChatMessage `json:"chat_log"`
}

func (r *Room) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		RoomID:     r.id,
		Language:   r.language,
		CodeBuffer: r.codeBuffer,
		CodeRev:    r.codeRev,
		Cursor:     r.cursor,
	}
	for _, p := range r.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	snap.DrawingLog = make([]Stroke, len(r.drawingLog))
	copy(snap.DrawingLog, r.drawingLog)
	snap.ChatLog = make([]ChatMessage, len(r.chatLog))
	copy(snap.ChatLog, r.chatLog)
	return snap
}

func roomFromSnapshot(snap Snapshot) *Room {
	r := &Room{
		id:           snap.RoomID,
		participants: make(map[string]*Participant, len(snap.Participants)),
		language:     snap.Language,
		codeBuffer:   snap.CodeBuffer,
		codeRev:      snap.CodeRev,
		drawingLog:   snap.DrawingLog,
		cursor:       snap.Cursor,
		chatLog:      snap.ChatLog,
		chatSeen:     make(map[string]struct{}, len(snap.ChatLog)),
		appliedOps:   make(map[string]struct{}),
	}
	if r.cursor < 0 {
		r.cursor = 0
	}
	if r.cursor > len(r.drawingLog) {
		r.cursor = len(r.drawingLog)
	}
	for i := range snap.Participants {
		p := snap.Participants[i]
		r.participants[p.UserID] = &p
	}
	for _, msg := range snap.ChatLog {
		r.chatSeen[msg.MessageID] = struct{}{}
	}
	return r
}
