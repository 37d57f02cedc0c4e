package reconcile

import (
	"sync"

	"github.com/christopherjohns/chatsync/internal/message"
)

// Reconciler holds one timeline per open room.
type Reconciler struct {
	mu    sync.RWMutex
	rooms map[int64]*Timeline
}

// New creates an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{rooms: make(map[int64]*Timeline)}
}

// OpenRoom starts a timeline from history, which may be in any order and
// contain duplicates. An already open timeline for the room is closed and
// replaced, so a rejoin always starts fresh.
func (r *Reconciler) OpenRoom(roomID int64, history []message.ChatMessage) *Timeline {
	t := newTimeline(roomID, history)

	r.mu.Lock()
	prev := r.rooms[roomID]
	r.rooms[roomID] = t
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return t
}

// OnLive routes m to its room's timeline. Messages for rooms that are not
// open are ignored.
func (r *Reconciler) OnLive(m message.ChatMessage) bool {
	t := r.Timeline(m.RoomID)
	if t == nil {
		return false
	}
	return t.OnLive(m)
}

// Timeline returns the open timeline for a room, or nil.
func (r *Reconciler) Timeline(roomID int64) *Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// CloseRoom discards the room's timeline.
func (r *Reconciler) CloseRoom(roomID int64) {
	r.mu.Lock()
	t := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Release closes t and forgets it unless the room has since been reopened
// with a newer timeline.
func (r *Reconciler) Release(t *Timeline) {
	r.mu.Lock()
	if r.rooms[t.roomID] == t {
		delete(r.rooms, t.roomID)
	}
	r.mu.Unlock()
	t.Close()
}
