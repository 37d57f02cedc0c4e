// Package reconcile merges a room's fetched history with its live stream
// into one de-duplicated timeline ordered by (SentAt, ID).
package reconcile

import (
	"slices"
	"sync"

	"github.com/christopherjohns/chatsync/internal/message"
)

// EventKind says where a new message landed.
type EventKind int

const (
	// Appended means the message became the newest entry.
	Appended EventKind = iota
	// Inserted means the message landed before existing entries.
	Inserted
)

func (k EventKind) String() string {
	if k == Appended {
		return "appended"
	}
	return "inserted"
}

// Event notifies observers of a message added to the timeline. Index is its
// position in the timeline right after the insert.
type Event struct {
	Kind    EventKind
	Index   int
	Message message.ChatMessage
}

type observerEntry struct {
	id int
	fn func(Event)
}

// Timeline is the reconciled view of one open room. Readers get copies;
// only OnLive grows it.
type Timeline struct {
	roomID int64

	// notifyMu keeps notifications in insert order. Observers may read the
	// timeline but must not call OnLive.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	msgs      []message.ChatMessage
	ids       map[string]struct{}
	observers []observerEntry
	nextID    int
	closed    bool
}

func newTimeline(roomID int64, history []message.ChatMessage) *Timeline {
	t := &Timeline{
		roomID: roomID,
		ids:    make(map[string]struct{}, len(history)),
	}
	for _, m := range history {
		if m.RoomID != roomID {
			continue
		}
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.msgs = append(t.msgs, m)
	}
	slices.SortStableFunc(t.msgs, message.Compare)
	return t
}

// RoomID returns the room this timeline belongs to.
func (t *Timeline) RoomID() int64 { return t.roomID }

// OnLive adds m unless its ID is already present, the message belongs to
// another room, or the timeline is closed. It reports whether m was added.
func (t *Timeline) OnLive(m message.ChatMessage) bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.closed || m.RoomID != t.roomID {
		t.mu.Unlock()
		return false
	}
	if _, dup := t.ids[m.ID]; dup {
		t.mu.Unlock()
		return false
	}
	idx, _ := slices.BinarySearchFunc(t.msgs, m, message.Compare)
	t.msgs = slices.Insert(t.msgs, idx, m)
	t.ids[m.ID] = struct{}{}

	ev := Event{Kind: Inserted, Index: idx, Message: m}
	if idx == len(t.msgs)-1 {
		ev.Kind = Appended
	}
	observers := make([]func(Event), len(t.observers))
	for i, o := range t.observers {
		observers[i] = o.fn
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	return true
}

// Snapshot returns a copy of the timeline in order.
func (t *Timeline) Snapshot() []message.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.msgs)
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Contains reports whether a message with id is present.
func (t *Timeline) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Subscribe registers fn for every message added after this call.
func (t *Timeline) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.observers = append(t.observers, observerEntry{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.observers = slices.DeleteFunc(t.observers, func(o observerEntry) bool { return o.id == id })
		})
	}
}

// Close discards the messages and releases every observer.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.msgs = nil
	t.ids = nil
	t.observers = nil
}

// Closed reports whether Close has been called.
func (t *Timeline) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
