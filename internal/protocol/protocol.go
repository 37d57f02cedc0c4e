// Package protocol defines the envelope frames exchanged over the chat
// WebSocket. A session is: connect -> connected, subscribe -> subscribed,
// then any mix of send/receipt and server-pushed message frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeConnect     = "connect"
	TypeConnected   = "connected"
	TypeSubscribe   = "subscribe"
	TypeSubscribed  = "subscribed"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeReceipt     = "receipt"
	TypeMessage     = "message"
	TypeError       = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnauthorized  = "unauthorized"
	CodeBadRequest    = "bad_request"
	CodeNotSubscribed = "not_subscribed"
	CodeRateLimited   = "rate_limited"
)

// Version is the protocol revision announced in the connect frame.
const Version = 1

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload opens a session. The credential travels in the upgrade
// request's Authorization header, not here.
type ConnectPayload struct {
	Version int `json:"version"`
}

// ConnectedPayload acknowledges a connect.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// SubscribePayload asks for a room's topic.
type SubscribePayload struct {
	RoomID int64 `json:"roomId"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	RoomID int64 `json:"roomId"`
}

// SendPayload carries an encoded client message. Receipt is echoed back in
// the matching receipt or error frame.
type SendPayload struct {
	Receipt string          `json:"receipt"`
	RoomID  int64           `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

// ReceiptPayload acknowledges a send.
type ReceiptPayload struct {
	Receipt   string `json:"receipt"`
	MessageID string `json:"messageId"`
}

// ErrorPayload reports a protocol-level failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Receipt string `json:"receipt,omitempty"`
}

// Marshal wraps payload in an envelope of the given type.
func Marshal(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Unmarshal decodes a frame into its envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope without type")
	}
	return env, nil
}

// DecodePayload decodes the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s frame without payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: invalid %s payload: %w", e.Type, err)
	}
	return nil
}
