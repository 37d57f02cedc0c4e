package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrMalformedPayload is matched by every DecodeError.
var ErrMalformedPayload = errors.New("malformed payload")

// DecodeError reports a wire payload that could not be mapped to a ChatMessage.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "message: decode: " + e.Reason
	}
	return fmt.Sprintf("message: decode %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedPayload) hold for any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// sentAtLayout renders timestamps as UTC ISO-8601 with milliseconds.
const sentAtLayout = "2006-01-02T15:04:05.000Z07:00"

// localLayout matches server timestamps that carry no zone offset.
const localLayout = "2006-01-02T15:04:05.999999999"

// Wire is the JSON shape of a chat message on the REST and socket boundary.
type Wire struct {
	ID          string   `json:"id"`
	ChatRoomID  int64    `json:"chatRoomId"`
	UserID      string   `json:"userId"`
	Content     string   `json:"content"`
	SentAt      string   `json:"sentAt"`
	Role        []string `json:"role,omitempty"`
	MessageType string   `json:"messageType"`
}

// rawWire uses pointers so absent required fields can be told apart from zero values.
type rawWire struct {
	ID          *string  `json:"id"`
	ChatRoomID  *int64   `json:"chatRoomId"`
	UserID      *string  `json:"userId"`
	Content     *string  `json:"content"`
	SentAt      *string  `json:"sentAt"`
	Role        []string `json:"role"`
	MessageType *string  `json:"messageType"`
}

// Decode maps a wire payload to a ChatMessage. Missing or mistyped required
// fields yield a *DecodeError. Unknown message types decode successfully.
func Decode(data []byte) (ChatMessage, error) {
	var raw rawWire
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ChatMessage{}, &DecodeError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String() + ", got " + typeErr.Value, Err: err}
		}
		return ChatMessage{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	switch {
	case raw.ID == nil || *raw.ID == "":
		return ChatMessage{}, &DecodeError{Field: "id", Reason: "required"}
	case raw.ChatRoomID == nil:
		return ChatMessage{}, &DecodeError{Field: "chatRoomId", Reason: "required"}
	case raw.UserID == nil:
		return ChatMessage{}, &DecodeError{Field: "userId", Reason: "required"}
	case raw.SentAt == nil:
		return ChatMessage{}, &DecodeError{Field: "sentAt", Reason: "required"}
	case raw.MessageType == nil || strings.TrimSpace(*raw.MessageType) == "":
		return ChatMessage{}, &DecodeError{Field: "messageType", Reason: "required"}
	}

	sentAt, err := parseSentAt(*raw.SentAt)
	if err != nil {
		return ChatMessage{}, &DecodeError{Field: "sentAt", Reason: "not an ISO-8601 timestamp", Err: err}
	}

	m := ChatMessage{
		ID:       *raw.ID,
		RoomID:   *raw.ChatRoomID,
		SenderID: *raw.UserID,
		SentAt:   sentAt,
		Roles:    NormalizeRoles(raw.Role),
		Type:     Type(*raw.MessageType),
	}
	if raw.Content != nil {
		m.Body = *raw.Content
	}
	return m, nil
}

// Encode maps a client-originated message to its wire payload. Only sendable
// types may be encoded; anything else is a caller bug and panics.
func Encode(m ChatMessage) []byte {
	if !m.Type.Sendable() {
		panic(fmt.Sprintf("message: encode of non-sendable type %q", m.Type))
	}
	data, err := json.Marshal(ToWire(m))
	if err != nil {
		panic(fmt.Sprintf("message: encode: %v", err))
	}
	return data
}

// ToWire maps any message to the wire shape, regardless of type.
func ToWire(m ChatMessage) Wire {
	return Wire{
		ID:          m.ID,
		ChatRoomID:  m.RoomID,
		UserID:      m.SenderID,
		Content:     m.Body,
		SentAt:      FormatSentAt(m.SentAt),
		Role:        m.Roles,
		MessageType: string(m.Type),
	}
}

// FormatSentAt renders t the way the wire expects it.
func FormatSentAt(t time.Time) string {
	return t.UTC().Format(sentAtLayout)
}

func parseSentAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	if local, lerr := time.ParseInLocation(localLayout, s, time.UTC); lerr == nil {
		return local, nil
	}
	return time.Time{}, err
}

// NormalizeRoles trims, de-duplicates and sorts role tags. It returns nil when
// nothing is left.
func NormalizeRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
