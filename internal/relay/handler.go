// Package relay is a development chat server speaking the client's
// WebSocket protocol: bearer authentication on upgrade, a connect/subscribe
// handshake, and per-room fan-out of acknowledged sends.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/chatsync/internal/auth"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/protocol"
	"github.com/christopherjohns/chatsync/internal/ratelimit"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 64 << 10

// Config controls relay limits.
type Config struct {
	MaxConns         int           `yaml:"max_conns"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxMessageLength int           `yaml:"max_message_length"`
	HistorySize      int           `yaml:"history_size"`
	// SendLimit sends per SendWindow are allowed per user. Zero disables it.
	SendLimit  int           `yaml:"send_limit"`
	SendWindow time.Duration `yaml:"send_window"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		MaxMessageLength: 2000,
		HistorySize:      200,
		SendLimit:        30,
		SendWindow:       10 * time.Second,
	}
}

// TokenValidator checks bearer tokens presented on upgrade.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Handler handles WebSocket upgrade requests and client frame loops.
type Handler struct {
	hub      *Hub
	tokens   TokenValidator
	history  message.MessageStore
	limiter  *ratelimit.Limiter
	receipts *receiptCache
	cfg      Config
}

// NewHandler creates a new WebSocket Handler. history may be nil.
func NewHandler(hub *Hub, tokens TokenValidator, history message.MessageStore, cfg Config) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	h := &Handler{
		hub:      hub,
		tokens:   tokens,
		history:  history,
		receipts: newReceiptCache(receiptCacheSize),
		cfg:      cfg,
	}
	if cfg.SendLimit > 0 && cfg.SendWindow > 0 {
		h.limiter = ratelimit.New(cfg.SendLimit, cfg.SendWindow)
	}
	return h
}

// ServeHTTP authenticates the upgrade, performs the connect handshake and
// runs the frame loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cm := h.hub.conns
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		cm.metrics.Reject("unauthorized")
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := h.tokens.Validate(token)
	if err != nil {
		cm.metrics.Reject("unauthorized")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		cm.logger.Warn("accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // no-op after a clean close
	conn.SetReadLimit(maxFrameSize)

	client := &Client{
		conn:      conn,
		sessionID: uuid.NewString(),
		identity:  identity,
	}
	if !h.handleConnect(r.Context(), client) {
		return
	}

	connCtx := cm.Add(client)
	defer h.hub.removeClient(client)
	cm.logger.Info("client connected", "session_id", client.sessionID, "user_id", identity.UserID)

	h.readLoop(r.Context(), connCtx, client)
	cm.logger.Info("client disconnected", "session_id", client.sessionID, "user_id", identity.UserID)
}

// handleConnect reads the first frame and expects a connect envelope.
// It writes connected directly since the write pump is not running yet.
func (h *Handler) handleConnect(ctx context.Context, client *Client) bool {
	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := client.conn.Read(hsCtx)
	if err != nil {
		h.hub.conns.logger.Debug("read connect failed", "error", err)
		return false
	}
	env, err := protocol.Unmarshal(data)
	if err != nil || env.Type != protocol.TypeConnect {
		closeWithError(client.conn, "first frame must be connect")
		return false
	}
	var p protocol.ConnectPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&p); err != nil || p.Version != protocol.Version {
			closeWithError(client.conn, "unsupported protocol version")
			return false
		}
	}

	frame, err := protocol.Marshal(protocol.TypeConnected, protocol.ConnectedPayload{
		SessionID: client.sessionID,
		UserID:    client.identity.UserID,
	})
	if err != nil {
		return false
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	defer cancelWrite()
	if err := client.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		h.hub.conns.logger.Debug("write connected failed", "error", err)
		return false
	}
	return true
}

// readLoop reads frames from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.hub.conns.TouchActivity(client)

		env, err := protocol.Unmarshal(data)
		if err != nil {
			h.sendError(client, protocol.CodeBadRequest, "invalid frame", "")
			continue
		}

		switch env.Type {
		case protocol.TypeSubscribe:
			var p protocol.SubscribePayload
			if err := env.DecodePayload(&p); err != nil || p.RoomID <= 0 {
				h.sendError(client, protocol.CodeBadRequest, "roomId is required", "")
				continue
			}
			// Join the topic first so nothing broadcast after the client
			// sees subscribed can miss it.
			h.hub.Subscribe(client, p.RoomID)
			h.reply(client, protocol.TypeSubscribed, protocol.SubscribedPayload{RoomID: p.RoomID})

		case protocol.TypeUnsubscribe:
			var p protocol.SubscribePayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			h.hub.Unsubscribe(client, p.RoomID)

		case protocol.TypeSend:
			h.handleSend(client, env)

		default:
			h.sendError(client, protocol.CodeBadRequest, "unexpected frame "+env.Type, "")
		}
	}
}

var errEmptyMessage = errors.New("message content is required")

// handleSend validates a send, stores and broadcasts the resulting message
// and acknowledges it to the sender.
func (h *Handler) handleSend(client *Client, env protocol.Envelope) {
	cm := h.hub.conns
	var p protocol.SendPayload
	if err := env.DecodePayload(&p); err != nil || p.Receipt == "" {
		cm.metrics.Reject("bad_request")
		h.sendError(client, protocol.CodeBadRequest, "receipt is required", "")
		return
	}
	// A client replays an unacknowledged send after reconnecting. If the
	// original got through, acknowledge it again without a second broadcast.
	if id, ok := h.receipts.get(client.identity.UserID, p.Receipt); ok {
		h.reply(client, protocol.TypeReceipt, protocol.ReceiptPayload{Receipt: p.Receipt, MessageID: id})
		return
	}
	if !h.hub.Subscribed(client, p.RoomID) {
		cm.metrics.Reject("not_subscribed")
		h.sendError(client, protocol.CodeNotSubscribed, "not subscribed to room", p.Receipt)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(client.identity.UserID) {
		cm.metrics.Reject("rate_limited")
		h.sendError(client, protocol.CodeRateLimited, "too many messages", p.Receipt)
		return
	}

	body, err := h.validateMessage(p.Message)
	if err != nil {
		cm.metrics.Reject("bad_request")
		h.sendError(client, protocol.CodeBadRequest, err.Error(), p.Receipt)
		return
	}

	m := message.ChatMessage{
		ID:       uuid.NewString(),
		RoomID:   p.RoomID,
		SenderID: client.identity.UserID,
		Body:     body,
		SentAt:   time.Now().UTC().Truncate(time.Millisecond),
		Roles:    message.NormalizeRoles(client.identity.Roles),
		Type:     message.TypeText,
	}
	if h.history != nil {
		h.history.Append(m)
	}
	h.receipts.put(client.identity.UserID, p.Receipt, m.ID)

	h.reply(client, protocol.TypeReceipt, protocol.ReceiptPayload{Receipt: p.Receipt, MessageID: m.ID})

	frame, err := protocol.Marshal(protocol.TypeMessage, message.ToWire(m))
	if err != nil {
		cm.logger.Error("marshal message frame", "error", err)
		return
	}
	h.hub.Broadcast(m.RoomID, frame)
	cm.metrics.MessageRelayed()
}

func (h *Handler) validateMessage(raw []byte) (string, error) {
	m, err := message.Decode(raw)
	if err != nil {
		return "", err
	}
	if !m.Type.Sendable() {
		return "", errors.New("message type " + string(m.Type) + " cannot be sent by clients")
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return "", errEmptyMessage
	}
	if h.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(body) > h.cfg.MaxMessageLength {
		return "", errors.New("message exceeds maximum length")
	}
	return body, nil
}

// reply queues a frame for client through its write pump.
func (h *Handler) reply(client *Client, typ string, payload any) {
	frame, err := protocol.Marshal(typ, payload)
	if err != nil {
		h.hub.conns.logger.Error("marshal frame", "type", typ, "error", err)
		return
	}
	h.hub.conns.Send(client, frame)
}

// sendError queues an error frame for the client.
func (h *Handler) sendError(client *Client, code, msg, receipt string) {
	h.reply(client, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg, Receipt: receipt})
}

func closeWithError(conn *websocket.Conn, reason string) {
	conn.Close(websocket.StatusPolicyViolation, reason) //nolint:errcheck // closing anyway
}

// Hub returns the hub the handler fans out through.
func (h *Handler) Hub() *Hub {
	return h.hub
}
