package message

import (
	"fmt"
	"testing"
	"time"
)

func msg(id string, roomID int64, content string) ChatMessage {
	return ChatMessage{
		ID:       id,
		RoomID:   roomID,
		SenderID: "user-1",
		Body:     content,
		Type:     TypeText,
		SentAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStoreAppendAndCount(t *testing.T) {
	s := NewStore(100)

	s.Append(msg("1", 1, "hello"))
	s.Append(msg("2", 1, "world"))

	if s.Count(1) != 2 {
		t.Fatalf("expected 2 messages, got %d", s.Count(1))
	}
	if s.Count(2) != 0 {
		t.Fatalf("expected 0 messages for room 2, got %d", s.Count(2))
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(3)

	for i := 0; i < 5; i++ {
		s.Append(msg(fmt.Sprintf("%d", i), 1, fmt.Sprintf("msg-%d", i)))
	}

	if s.Count(1) != 3 {
		t.Fatalf("expected 3 messages (max size), got %d", s.Count(1))
	}
	result := s.Recent(1, 10)
	if len(result) != 3 || result[0].ID != "2" || result[2].ID != "4" {
		t.Errorf("expected IDs [2 3 4], got %v", ids(result))
	}
}

func TestStoreRecent(t *testing.T) {
	s := NewStore(100)
	for i := 0; i < 5; i++ {
		s.Append(msg(fmt.Sprintf("%d", i), 1, "x"))
	}

	result := s.Recent(1, 2)
	if len(result) != 2 || result[0].ID != "3" || result[1].ID != "4" {
		t.Errorf("expected IDs [3 4], got %v", ids(result))
	}
	if got := s.Recent(1, 0); got != nil {
		t.Errorf("expected nil for n=0, got %v", ids(got))
	}
	if got := s.Recent(7, 5); got != nil {
		t.Errorf("expected nil for unknown room, got %v", ids(got))
	}
}

func TestStoreRecentReturnsCopy(t *testing.T) {
	s := NewStore(100)
	s.Append(msg("1", 1, "hello"))

	result := s.Recent(1, 1)
	result[0].Body = "mutated"

	if s.Recent(1, 1)[0].Body != "hello" {
		t.Error("Recent should return a copy")
	}
}

func TestStoreDeleteRoom(t *testing.T) {
	s := NewStore(100)
	s.Append(msg("1", 1, "hello"))
	s.Append(msg("2", 2, "other"))

	s.DeleteRoom(1)

	if s.Count(1) != 0 {
		t.Fatalf("expected 0 messages after delete, got %d", s.Count(1))
	}
	if s.Count(2) != 1 {
		t.Fatalf("expected room 2 untouched, got %d", s.Count(2))
	}
}

func ids(msgs []ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
