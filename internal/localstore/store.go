// Package localstore keeps records the user created locally so they can be
// shown before the server confirms them. Nothing here is persisted.
package localstore

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one locally synthesized record.
type Entry struct {
	ID        string
	RoomID    int64
	Body      string
	CreatedAt time.Time
}

// Store lists entries newest first.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Add prepends e, filling in a random ID and the creation time when unset.
func (s *Store) Add(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries = slices.Insert(s.entries, 0, e)
	s.mu.Unlock()
	return e
}

// All returns every entry, newest first.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Remove deletes the entry with the given ID and reports whether it was there.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	return true
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
