package message

import "sync"

// MessageStore is the interface for relay history backends.
type MessageStore interface {
	Append(msg ChatMessage)
	Recent(roomID int64, n int) []ChatMessage
	DeleteRoom(roomID int64)
	Count(roomID int64) int
}

// Store keeps recent messages per room in memory.
type Store struct {
	mu      sync.RWMutex
	rooms   map[int64][]ChatMessage
	maxSize int
}

// NewStore creates a message store that retains up to maxSize messages per room.
func NewStore(maxSize int) *Store {
	return &Store{
		rooms:   make(map[int64][]ChatMessage),
		maxSize: maxSize,
	}
}

// Append adds a message to the room's history, evicting the oldest beyond maxSize.
func (s *Store) Append(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.rooms[msg.RoomID], msg)
	if len(msgs) > s.maxSize {
		msgs = msgs[len(msgs)-s.maxSize:]
	}
	s.rooms[msg.RoomID] = msgs
}

// Recent returns up to the last n messages for a room, oldest first.
func (s *Store) Recent(roomID int64, n int) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	result := make([]ChatMessage, len(msgs))
	copy(result, msgs)
	return result
}

// DeleteRoom removes all stored messages for a room.
func (s *Store) DeleteRoom(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// Count returns the number of stored messages for a room.
func (s *Store) Count(roomID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}
