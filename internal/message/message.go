package message

import (
	"cmp"
	"strings"
	"time"
)

// Type represents the kind of message. Values the client does not know
// about are kept verbatim so newer server message kinds pass through.
type Type string

const (
	TypeText   Type = "TEXT"
	TypeSystem Type = "SYSTEM"
	TypeMedia  Type = "MEDIA"
)

// Recognized reports whether t is one of the message kinds this client knows.
func (t Type) Recognized() bool {
	switch t {
	case TypeText, TypeSystem, TypeMedia:
		return true
	}
	return false
}

// Sendable reports whether this client may originate messages of type t.
func (t Type) Sendable() bool {
	return t == TypeText
}

// ChatMessage is a single message in a chat room.
type ChatMessage struct {
	ID       string
	RoomID   int64
	SenderID string
	Body     string
	SentAt   time.Time
	// Roles describes the sender at send time. Nil when the server sent none.
	Roles []string
	Type  Type
}

// HasRole reports whether the sender carried role r at send time.
func (m ChatMessage) HasRole(r string) bool {
	for _, have := range m.Roles {
		if strings.EqualFold(have, r) {
			return true
		}
	}
	return false
}

// Compare orders messages by SentAt, then by ID.
func Compare(a, b ChatMessage) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
