package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/metrics"
	"github.com/christopherjohns/chatsync/internal/protocol"
	"github.com/christopherjohns/chatsync/internal/session"
)

// Ack confirms that the server accepted a sent message.
type Ack struct {
	Receipt   string
	MessageID string
}

type sendResult struct {
	ack Ack
	err error
}

// sendRequest is owned by the run goroutine once submitted. Only abandoned
// is touched by the caller afterwards.
type sendRequest struct {
	receipt string
	text    string
	frame   []byte
	result  chan sendResult

	abandoned atomic.Bool
	replayed  bool
}

// resolve delivers the outcome once. result is buffered, so it never blocks.
func (r *sendRequest) resolve(res sendResult) {
	select {
	case r.result <- res:
	default:
	}
}

// Channel is a live subscription to one chat room. A single goroutine owns
// the connection and is the only writer of the channel's state; callers
// observe it through State, States and Messages.
type Channel struct {
	roomID  int64
	cfg     Config
	tokens  TokenSource
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Channel

	mu      sync.RWMutex
	state   State
	attempt int
	err     error

	messages chan message.ChatMessage
	states   chan StateChange
	sendReqs chan *sendRequest
	tokenSig chan struct{}

	cancel  context.CancelFunc
	leaving atomic.Bool
	done    chan struct{}
	unwatch func()
}

func newChannel(roomID int64, tokens TokenSource, cfg Config, dialer Dialer, logger *slog.Logger, m *metrics.Channel) *Channel {
	return &Channel{
		roomID:   roomID,
		cfg:      cfg,
		tokens:   tokens,
		dialer:   dialer,
		logger:   logger.With("room_id", roomID),
		metrics:  m,
		state:    Disconnected,
		messages: make(chan message.ChatMessage, cfg.BufferSize),
		states:   make(chan StateChange, cfg.BufferSize),
		sendReqs: make(chan *sendRequest),
		tokenSig: make(chan struct{}, 1),
		cancel:   func() {},
		done:     make(chan struct{}),
		unwatch:  func() {},
	}
}

// start launches the owner goroutine, or closes the channel straight away
// when there is no credential to connect with.
func (c *Channel) start() {
	if _, ok := c.tokens.Token(); !ok {
		c.logger.Warn("channel join without a session token")
		c.shutdown(nil, ErrAuthRequired)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.unwatch = c.tokens.Subscribe(func(session.Token) {
		select {
		case c.tokenSig <- struct{}{}:
		default:
		}
	})
	go c.run(ctx)
}

// RoomID returns the room this channel is subscribed to.
func (c *Channel) RoomID() int64 { return c.roomID }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the cause of the most recent failure, or nil.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// RetryCount returns the current reconnect attempt number. It resets once
// the channel becomes active again.
func (c *Channel) RetryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

// Messages delivers live messages for this room in arrival order. It is
// closed when the channel closes.
func (c *Channel) Messages() <-chan message.ChatMessage { return c.messages }

// States delivers every state transition. It is closed after Closed has been
// published. Transitions are dropped rather than stall the connection when
// the consumer falls more than the buffer size behind.
func (c *Channel) States() <-chan StateChange { return c.states }

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Leave unsubscribes and releases the connection. In-flight sends resolve
// with ErrCancelled. Calling Leave more than once is harmless.
func (c *Channel) Leave() {
	c.leaving.Store(true)
	c.cancel()
	<-c.done
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send publishes text to the room and waits for the server's receipt. It
// fails fast with ErrNotConnected unless the channel is active.
func (c *Channel) Send(ctx context.Context, text string) (Ack, error) {
	if c.State() != Active {
		return c.sendFailed(&SendError{Reason: ErrNotConnected})
	}

	req := &sendRequest{
		receipt: uuid.NewString(),
		text:    text,
		result:  make(chan sendResult, 1),
	}
	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.sendReqs <- req:
	case <-timer.C:
		return c.sendFailed(&SendError{Reason: ErrSendTimeout})
	case <-ctx.Done():
		return c.sendFailed(&SendError{Reason: ErrCancelled, Detail: ctx.Err().Error()})
	case <-c.done:
		return c.sendFailed(&SendError{Reason: ErrCancelled, Detail: "channel closed"})
	}

	select {
	case res := <-req.result:
		if res.err != nil {
			var sendErr *SendError
			if errors.As(res.err, &sendErr) {
				return c.sendFailed(sendErr)
			}
			return Ack{}, res.err
		}
		c.metrics.SendResult("ack")
		return res.ack, nil
	case <-timer.C:
		req.abandoned.Store(true)
		return c.sendFailed(&SendError{Reason: ErrSendTimeout})
	case <-ctx.Done():
		req.abandoned.Store(true)
		return c.sendFailed(&SendError{Reason: ErrCancelled, Detail: ctx.Err().Error()})
	case <-c.done:
		select {
		case res := <-req.result:
			if res.err == nil {
				c.metrics.SendResult("ack")
				return res.ack, nil
			}
		default:
		}
		return c.sendFailed(&SendError{Reason: ErrCancelled, Detail: "channel closed"})
	}
}

func (c *Channel) sendFailed(err *SendError) (Ack, error) {
	c.metrics.SendResult(err.metricLabel())
	return Ack{}, err
}

// setState records and publishes a transition. attempt is only recorded for
// Reconnecting; becoming active resets it.
func (c *Channel) setState(s State, cause error, attempt int) {
	c.mu.Lock()
	c.state = s
	switch s {
	case Reconnecting:
		c.attempt = attempt
	case Active:
		c.attempt = 0
	}
	attempt = c.attempt
	if cause != nil {
		c.err = cause
	}
	c.mu.Unlock()

	c.metrics.StateChanged(s.String())
	c.logger.Debug("channel state", "state", s.String(), "attempt", attempt)

	select {
	case c.states <- StateChange{RoomID: c.roomID, State: s, Err: cause, Attempt: attempt, At: time.Now()}:
	default:
		c.logger.Warn("state change dropped, consumer is behind", "state", s.String())
	}
}

func (c *Channel) run(ctx context.Context) {
	var (
		outbox   []*sendRequest
		closeErr error
		attempt  int
	)
	defer func() { c.shutdown(outbox, closeErr) }()

	for {
		reached, err := c.session(ctx, &outbox)
		if ctx.Err() != nil {
			return
		}
		if reached {
			attempt = 0
		}
		switch {
		case errors.Is(err, errReauth):
			c.logger.Info("session token changed, re-authenticating")
			continue
		case errors.Is(err, ErrAuthRequired):
			c.logger.Warn("channel closed, authentication required", "error", err)
			closeErr = err
			return
		}

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.logger.Error("channel closed, reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts, "error", err)
			closeErr = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			return
		}
		if err := c.waitBackoff(ctx, attempt, err); err != nil {
			if ctx.Err() == nil {
				closeErr = err
			}
			return
		}
	}
}

// waitBackoff sits in Reconnecting until the next attempt is due. Sends are
// refused meanwhile and a cleared token ends the wait with ErrAuthRequired.
func (c *Channel) waitBackoff(ctx context.Context, attempt int, cause error) error {
	delay := c.cfg.Backoff.Delay(attempt)
	c.setState(Reconnecting, cause, attempt)
	c.metrics.Reconnecting()
	c.logger.Warn("channel reconnecting", "attempt", attempt, "delay", delay, "error", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-c.tokenSig:
			if _, ok := c.tokens.Token(); !ok {
				return ErrAuthRequired
			}
		case req := <-c.sendReqs:
			req.resolve(sendResult{err: &SendError{Reason: ErrNotConnected}})
		}
	}
}

// session runs one connection from dial to teardown. reached reports whether
// the channel became active during it. The transport is released on every
// return path.
func (c *Channel) session(ctx context.Context, outbox *[]*sendRequest) (reached bool, err error) {
	token, ok := c.tokens.Token()
	if !ok {
		return false, ErrAuthRequired
	}
	c.setState(Connecting, nil, 0)

	hsCtx, cancelHS := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancelHS()

	tr, err := c.dialer.Dial(hsCtx, token)
	if err != nil {
		return false, err
	}
	defer tr.Close() //nolint:errcheck // best-effort close

	if err := c.write(hsCtx, tr, protocol.TypeConnect, protocol.ConnectPayload{Version: protocol.Version}); err != nil {
		return false, err
	}
	env, err := c.await(hsCtx, tr, protocol.TypeConnected)
	if err != nil {
		return false, err
	}
	var connected protocol.ConnectedPayload
	if err := env.DecodePayload(&connected); err != nil {
		return false, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	c.setState(Subscribing, nil, 0)
	if err := c.write(hsCtx, tr, protocol.TypeSubscribe, protocol.SubscribePayload{RoomID: c.roomID}); err != nil {
		return false, err
	}
	if _, err := c.await(hsCtx, tr, protocol.TypeSubscribed); err != nil {
		return false, err
	}
	cancelHS()

	// The token may have moved on while the handshake was in flight. A stale
	// credential never reaches Active.
	select {
	case <-c.tokenSig:
	default:
	}
	if cur, ok := c.tokens.Token(); !ok {
		c.unsubscribe(tr)
		return false, ErrAuthRequired
	} else if cur != token {
		return false, errReauth
	}

	// The reader outlives ctx so that a Leave can still unsubscribe: nhooyr
	// closes the connection when a pending Read's context is cancelled.
	readCtx, stopReader := context.WithCancel(context.Background())
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			data, err := tr.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()
	defer func() {
		stopReader()
		tr.Close() //nolint:errcheck // best-effort close
		<-readerDone
	}()

	c.setState(Active, nil, 0)
	c.metrics.ActiveDelta(1)
	defer c.metrics.ActiveDelta(-1)
	c.logger.Info("channel active", "user_id", connected.UserID)

	if err := c.replay(ctx, tr, outbox); err != nil {
		return true, err
	}

	for {
		select {
		case <-ctx.Done():
			c.unsubscribe(tr)
			return true, ctx.Err()

		case err := <-readErr:
			return true, fmt.Errorf("%w: read: %w", ErrTransportFailure, err)

		case data := <-frames:
			if err := c.handleFrame(ctx, data, outbox); err != nil {
				return true, err
			}

		case req := <-c.sendReqs:
			if req.abandoned.Load() {
				continue
			}
			frame, err := c.sendFrame(req, connected.UserID)
			if err != nil {
				req.resolve(sendResult{err: err})
				continue
			}
			*outbox = append(pruneAbandoned(*outbox), req)
			if err := c.writeFrame(ctx, tr, frame); err != nil {
				return true, err
			}

		case <-c.tokenSig:
			cur, ok := c.tokens.Token()
			if !ok {
				c.unsubscribe(tr)
				return true, ErrAuthRequired
			}
			if cur != token {
				return true, errReauth
			}
		}
	}
}

// await reads frames until one of type want arrives. Error frames end the
// handshake; anything else is handled as it would be when active.
func (c *Channel) await(ctx context.Context, tr Transport, want string) (protocol.Envelope, error) {
	for {
		data, err := tr.Read(ctx)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: awaiting %s: %w", ErrTransportFailure, want, err)
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.dropFrame(err)
			continue
		}
		switch env.Type {
		case want:
			return env, nil
		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := env.DecodePayload(&p); err != nil {
				return protocol.Envelope{}, fmt.Errorf("%w: %w", ErrTransportFailure, err)
			}
			if p.Code == protocol.CodeUnauthorized {
				return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrAuthRequired, p.Message)
			}
			return protocol.Envelope{}, fmt.Errorf("%w: server error %s: %s", ErrTransportFailure, p.Code, p.Message)
		case protocol.TypeMessage:
			c.deliver(ctx, env)
		default:
			c.logger.Debug("ignoring frame during handshake", "type", env.Type)
		}
	}
}

// replay resends messages that were written but never acknowledged before
// the previous connection dropped. Each is replayed at most once with its
// original receipt.
func (c *Channel) replay(ctx context.Context, tr Transport, outbox *[]*sendRequest) error {
	*outbox = pruneAbandoned(*outbox)
	for _, req := range *outbox {
		if req.replayed {
			continue
		}
		req.replayed = true
		c.logger.Info("replaying unacknowledged send", "receipt", req.receipt)
		if err := c.writeFrame(ctx, tr, req.frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) handleFrame(ctx context.Context, data []byte, outbox *[]*sendRequest) error {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		c.dropFrame(err)
		return nil
	}

	switch env.Type {
	case protocol.TypeMessage:
		c.deliver(ctx, env)

	case protocol.TypeReceipt:
		var p protocol.ReceiptPayload
		if err := env.DecodePayload(&p); err != nil {
			c.dropFrame(err)
			return nil
		}
		if req := takePending(outbox, p.Receipt); req != nil {
			req.resolve(sendResult{ack: Ack{Receipt: p.Receipt, MessageID: p.MessageID}})
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			c.dropFrame(err)
			return nil
		}
		if p.Code == protocol.CodeUnauthorized {
			return fmt.Errorf("%w: %s", ErrAuthRequired, p.Message)
		}
		if p.Receipt != "" {
			if req := takePending(outbox, p.Receipt); req != nil {
				req.resolve(sendResult{err: &SendError{Reason: ErrRejected, Detail: p.Code + ": " + p.Message}})
			}
			return nil
		}
		c.logger.Warn("server error", "code", p.Code, "message", p.Message)

	default:
		c.logger.Debug("ignoring frame", "type", env.Type)
	}
	return nil
}

// deliver decodes a message frame and hands it to the consumer. Malformed
// payloads and messages for other rooms are dropped.
func (c *Channel) deliver(ctx context.Context, env protocol.Envelope) {
	m, err := message.Decode(env.Payload)
	if err != nil {
		c.dropFrame(err)
		return
	}
	if m.RoomID != c.roomID {
		c.logger.Debug("dropping message for another room", "message_room_id", m.RoomID)
		return
	}
	select {
	case c.messages <- m:
	case <-ctx.Done():
	}
}

func (c *Channel) dropFrame(err error) {
	c.metrics.DecodeFailed()
	c.logger.Warn("dropping malformed frame", "error", err)
}

func (c *Channel) sendFrame(req *sendRequest, userID string) ([]byte, error) {
	if req.frame != nil {
		return req.frame, nil
	}
	payload := message.Encode(message.ChatMessage{
		ID:       req.receipt,
		RoomID:   c.roomID,
		SenderID: userID,
		Body:     req.text,
		SentAt:   time.Now().UTC().Truncate(time.Millisecond),
		Type:     message.TypeText,
	})
	frame, err := protocol.Marshal(protocol.TypeSend, protocol.SendPayload{
		Receipt: req.receipt,
		RoomID:  c.roomID,
		Message: payload,
	})
	if err != nil {
		return nil, err
	}
	req.frame = frame
	return frame, nil
}

func (c *Channel) write(ctx context.Context, tr Transport, typ string, payload any) error {
	frame, err := protocol.Marshal(typ, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, tr, frame)
}

func (c *Channel) writeFrame(ctx context.Context, tr Transport, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := tr.Write(wctx, frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransportFailure, err)
	}
	return nil
}

// unsubscribe tells the server the room is no longer wanted. Failures are
// ignored since the connection is being released anyway.
func (c *Channel) unsubscribe(tr Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.write(ctx, tr, protocol.TypeUnsubscribe, protocol.SubscribePayload{RoomID: c.roomID}); err != nil {
		c.logger.Debug("unsubscribe failed", "error", err)
	}
}

// shutdown resolves pending sends, publishes Closed and closes the streams.
func (c *Channel) shutdown(outbox []*sendRequest, cause error) {
	c.unwatch()
	for _, req := range outbox {
		req.resolve(sendResult{err: &SendError{Reason: ErrCancelled, Detail: "channel closed"}})
	}
	c.setState(Closed, cause, 0)
	if cause == nil {
		c.logger.Info("channel closed")
	}
	close(c.states)
	close(c.messages)
	close(c.done)
}

func takePending(outbox *[]*sendRequest, receipt string) *sendRequest {
	for i, req := range *outbox {
		if req.receipt == receipt {
			*outbox = append((*outbox)[:i], (*outbox)[i+1:]...)
			return req
		}
	}
	return nil
}

func pruneAbandoned(outbox []*sendRequest) []*sendRequest {
	kept := outbox[:0]
	for _, req := range outbox {
		if !req.abandoned.Load() {
			kept = append(kept, req)
		}
	}
	return kept
}
