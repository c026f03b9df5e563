package room

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stroke(id string) Stroke {
	return Stroke{ID: id, Data: json.RawMessage(`{"points":[[0,0],[1,1]]}`)}
}

func newTestRoom(t *testing.T) (*Manager, *Room) {
	t.Helper()
	m := NewManager()
	r := m.Create("r1", []string{"alice", "bob"})
	return m, r
}

func applyStrokes(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		applied, err := m.ApplyDrawing("r1", stroke(fmt.Sprintf("s%d", i)), uuid.New().String())
		require.NoError(t, err)
		require.True(t, applied)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	m, r := newTestRoom(t)
	again := m.Create("r1", []string{"someone", "else"})
	assert.Same(t, r, again, "second create must return the existing replica")
	assert.True(t, again.HasParticipant("alice"))
}

func TestUnknownRoom(t *testing.T) {
	m := NewManager()
	_, err := m.ApplyUndo("ghost", uuid.New().String())
	assert.ErrorIs(t, err, ErrUnknownRoom)
	_, _, err = m.ApplyCode("ghost", "x", 0, uuid.New().String())
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	// k undos followed by k redos restore the pre-undo state, provided no
	// new stroke lands in between.
	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			m, r := newTestRoom(t)
			applyStrokes(t, m, 5)

			logBefore, cursorBefore := r.DrawingState()

			for i := 0; i < k; i++ {
				_, err := m.ApplyUndo("r1", uuid.New().String())
				require.NoError(t, err)
			}
			for i := 0; i < k; i++ {
				_, err := m.ApplyRedo("r1", uuid.New().String())
				require.NoError(t, err)
			}

			logAfter, cursorAfter := r.DrawingState()
			assert.Equal(t, logBefore, logAfter)
			assert.Equal(t, cursorBefore, cursorAfter)
		})
	}
}

func TestUndoRedoBoundariesAreNoOps(t *testing.T) {
	m, r := newTestRoom(t)

	applied, err := m.ApplyUndo("r1", uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied, "undo on empty log is a no-op")

	applied, err = m.ApplyRedo("r1", uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied, "redo at the end is a no-op")

	applyStrokes(t, m, 2)
	for i := 0; i < 10; i++ {
		_, err = m.ApplyUndo("r1", uuid.New().String())
		require.NoError(t, err)
	}
	_, cursor := r.DrawingState()
	assert.Equal(t, 0, cursor, "cursor never goes below zero")

	for i := 0; i < 10; i++ {
		_, err = m.ApplyRedo("r1", uuid.New().String())
		require.NoError(t, err)
	}
	log, cursor := r.DrawingState()
	assert.Equal(t, len(log), cursor, "cursor never passes the log end")
}

func TestNewStrokeDiscardsRedoTail(t *testing.T) {
	m, r := newTestRoom(t)
	applyStrokes(t, m, 3)

	_, err := m.ApplyUndo("r1", uuid.New().String())
	require.NoError(t, err)
	_, err = m.ApplyUndo("r1", uuid.New().String())
	require.NoError(t, err)

	applied, err := m.ApplyDrawing("r1", stroke("fresh"), uuid.New().String())
	require.NoError(t, err)
	require.True(t, applied)

	log, cursor := r.DrawingState()
	require.Len(t, log, 2)
	assert.Equal(t, "s0", log[0].ID)
	assert.Equal(t, "fresh", log[1].ID)
	assert.Equal(t, 2, cursor)

	// The discarded strokes are gone for good
	applied, err = m.ApplyRedo("r1", uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestClearFromAnyState(t *testing.T) {
	states := []func(m *Manager){
		func(m *Manager) {},
		func(m *Manager) { applyStrokes(t, m, 4) },
		func(m *Manager) {
			applyStrokes(t, m, 4)
			_, _ = m.ApplyUndo("r1", uuid.New().String())
			_, _ = m.ApplyUndo("r1", uuid.New().String())
		},
	}

	for i, setup := range states {
		t.Run(fmt.Sprintf("state_%d", i), func(t *testing.T) {
			m, r := newTestRoom(t)
			setup(m)

			_, err := m.ApplyClear("r1", uuid.New().String())
			require.NoError(t, err)

			log, cursor := r.DrawingState()
			assert.Empty(t, log)
			assert.Equal(t, 0, cursor)
		})
	}
}

func TestChatIdempotence(t *testing.T) {
	m, r := newTestRoom(t)

	msg := ChatMessage{MessageID: "m1", Sender: "alice", Text: "hi", Time: "12:00"}
	applied, err := m.ApplyChat("r1", msg, uuid.New().String())
	require.NoError(t, err)
	assert.True(t, applied)

	// Same messageId again, different op id (redelivery through another path)
	applied, err = m.ApplyChat("r1", msg, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Len(t, r.ChatLog(), 1)
}

func TestChatOrderingAndSanitization(t *testing.T) {
	m, r := newTestRoom(t)

	for i := 0; i < 3; i++ {
		msg := ChatMessage{
			MessageID: fmt.Sprintf("m%d", i),
			Sender:    "bob",
			Text:      fmt.Sprintf("<script>alert(%d)</script>msg %d", i, i),
			Time:      "12:00",
		}
		applied, err := m.ApplyChat("r1", msg, uuid.New().String())
		require.NoError(t, err)
		require.True(t, applied)
	}

	log := r.ChatLog()
	require.Len(t, log, 3)
	for i, msg := range log {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.MessageID, "arrival order preserved")
		assert.NotContains(t, msg.Text, "<script>")
		assert.Contains(t, msg.Text, fmt.Sprintf("msg %d", i))
	}
}

func TestDuplicateOpIDIgnored(t *testing.T) {
	m, r := newTestRoom(t)
	applyStrokes(t, m, 2)

	opID := uuid.New().String()
	applied, err := m.ApplyUndo("r1", opID)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivered envelope carries the same op id
	applied, err = m.ApplyUndo("r1", opID)
	require.NoError(t, err)
	assert.False(t, applied)

	_, cursor := r.DrawingState()
	assert.Equal(t, 1, cursor, "duplicate undo must not move the cursor twice")
}

func TestCodeLastWriteWins(t *testing.T) {
	m, r := newTestRoom(t)

	rev1, applied, err := m.ApplyCode("r1", "print(1)", 0, uuid.New().String())
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, uint64(1), rev1)

	// Remote update with a newer revision wins
	_, applied, err = m.ApplyCode("r1", "print(2)", 5, uuid.New().String())
	require.NoError(t, err)
	require.True(t, applied)

	// A stale remote revision loses
	_, applied, err = m.ApplyCode("r1", "print(0)", 2, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied)

	code, rev := r.Code()
	assert.Equal(t, "print(2)", code)
	assert.Equal(t, uint64(5), rev)
}

func TestLanguageUpdate(t *testing.T) {
	m, r := newTestRoom(t)

	applied, err := m.ApplyLanguage("r1", "python", uuid.New().String())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "python", r.Language())
}

func TestRemoveParticipantExactlyOnceAndEviction(t *testing.T) {
	m, _ := newTestRoom(t)

	removed, empty, err := m.RemoveParticipant("r1", "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, empty)

	// Second finalize is a no-op
	removed, empty, err = m.RemoveParticipant("r1", "alice")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.False(t, empty)

	removed, empty, err = m.RemoveParticipant("r1", "bob")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, empty, "room empties once every participant has left")

	m.Evict("r1")
	_, ok := m.Get("r1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

func TestDisconnectRejoinKeepsState(t *testing.T) {
	m, r := newTestRoom(t)

	_, applied, err := m.ApplyCode("r1", "print(1)", 0, uuid.New().String())
	require.NoError(t, err)
	require.True(t, applied)

	m.MarkDisconnected("r1", "alice")
	require.NoError(t, m.Rejoin("r1", "alice"))

	assert.True(t, r.HasParticipant("alice"))
	code, _ := r.Code()
	assert.Equal(t, "print(1)", code)
}

func TestSnapshotAdoptRoundTrip(t *testing.T) {
	m, _ := newTestRoom(t)
	applyStrokes(t, m, 3)
	_, err := m.ApplyUndo("r1", uuid.New().String())
	require.NoError(t, err)
	_, applied, err := m.ApplyCode("r1", "x = 1", 0, uuid.New().String())
	require.NoError(t, err)
	require.True(t, applied)
	_, err2 := m.ApplyChat("r1", ChatMessage{MessageID: "m1", Sender: "alice", Text: "hey", Time: "1"}, uuid.New().String())
	require.NoError(t, err2)

	snap, ok := m.Snapshot("r1")
	require.True(t, ok)

	// A fresh instance adopts the snapshot wholesale
	other := NewManager()
	assert.True(t, other.Adopt(snap))

	r2, ok := other.Get("r1")
	require.True(t, ok)
	log, cursor := r2.DrawingState()
	assert.Len(t, log, 3)
	assert.Equal(t, 2, cursor)
	code, rev := r2.Code()
	assert.Equal(t, "x = 1", code)
	assert.Equal(t, uint64(1), rev)
	assert.Len(t, r2.ChatLog(), 1)
	assert.True(t, r2.HasParticipant("alice"))
	assert.True(t, r2.HasParticipant("bob"))

	// Chat dedup state survives the transfer
	applied2, err := other.ApplyChat("r1", ChatMessage{MessageID: "m1"}, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, applied2)

	// An instance that already holds the replica keeps its own copy
	assert.False(t, m.Adopt(snap))
}

func TestOpDedupWindowSlides(t *testing.T) {
	m, _ := newTestRoom(t)

	first := uuid.New().String()
	applied, err := m.ApplyDrawing("r1", stroke("s0"), first)
	require.NoError(t, err)
	require.True(t, applied)

	for i := 0; i < opDedupWindow; i++ {
		_, err := m.ApplyDrawing("r1", stroke(fmt.Sprintf("f%d", i)), uuid.New().String())
		require.NoError(t, err)
	}

	// The first op id has slid out of the window and is no longer remembered
	applied, err = m.ApplyDrawing("r1", stroke("s0-again"), first)
	require.NoError(t, err)
	assert.True(t, applied)
}
