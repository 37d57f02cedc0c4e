package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/christopherjohns/chatsync/internal/backoff"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/protocol"
)

const peerUserID = "member-1"

// peer is a scripted chat server: it authenticates the upgrade, completes
// the connect/subscribe handshake, acknowledges sends and records every
// frame clients send after subscribing.
type peer struct {
	t   *testing.T
	srv *httptest.Server

	validToken func(string) bool
	noReceipts atomic.Bool
	rejectSend atomic.Bool

	mu     sync.Mutex
	tokens []string
	conns  []*websocket.Conn

	received chan protocol.Envelope
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		t:          t,
		validToken: func(tok string) bool { return tok != "" },
		received:   make(chan protocol.Envelope, 64),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(func() {
		p.dropAll()
		p.srv.Close()
	})
	return p
}

// setValidToken replaces the upgrade check. fn runs on the server's
// request goroutine and may block to hold a dial mid-upgrade.
func (p *peer) setValidToken(fn func(string) bool) {
	p.mu.Lock()
	p.validToken = fn
	p.mu.Unlock()
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	p.tokens = append(p.tokens, token)
	valid := p.validToken
	p.mu.Unlock()
	if !valid(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow() //nolint:errcheck // test peer
	ctx := r.Context()

	if env, ok := p.read(ctx, conn); !ok || env.Type != protocol.TypeConnect {
		return
	}
	p.write(ctx, conn, protocol.TypeConnected, protocol.ConnectedPayload{SessionID: "sess-1", UserID: peerUserID})

	env, ok := p.read(ctx, conn)
	if !ok || env.Type != protocol.TypeSubscribe {
		return
	}
	var sub protocol.SubscribePayload
	if err := env.DecodePayload(&sub); err != nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.write(ctx, conn, protocol.TypeSubscribed, protocol.SubscribedPayload{RoomID: sub.RoomID})

	for {
		env, ok := p.read(ctx, conn)
		if !ok {
			return
		}
		select {
		case p.received <- env:
		default:
		}
		if env.Type != protocol.TypeSend {
			continue
		}
		var send protocol.SendPayload
		if err := env.DecodePayload(&send); err != nil {
			continue
		}
		switch {
		case p.rejectSend.Load():
			p.write(ctx, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "nope", Receipt: send.Receipt})
		case !p.noReceipts.Load():
			p.write(ctx, conn, protocol.TypeReceipt, protocol.ReceiptPayload{Receipt: send.Receipt, MessageID: "srv-" + send.Receipt})
		}
	}
}

func (p *peer) read(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, bool) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, false
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		return protocol.Envelope{}, false
	}
	return env, true
}

func (p *peer) write(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	frame, err := protocol.Marshal(typ, payload)
	if err != nil {
		p.t.Errorf("peer marshal %s: %v", typ, err)
		return
	}
	p.writeRaw(ctx, conn, frame)
}

func (p *peer) writeRaw(ctx context.Context, conn *websocket.Conn, frame []byte) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, frame) //nolint:errcheck // the client may already be gone
}

// push writes frame to every subscribed connection.
func (p *peer) push(frame []byte) {
	p.mu.Lock()
	conns := append([]*websocket.Conn(nil), p.conns...)
	p.mu.Unlock()
	for _, conn := range conns {
		p.writeRaw(context.Background(), conn, frame)
	}
}

// dropAll abruptly closes every connection, as a network failure would.
func (p *peer) dropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, conn := range conns {
		conn.CloseNow() //nolint:errcheck // test peer
	}
}

func (p *peer) dialedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func (p *peer) waitConns(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		got := len(p.conns)
		p.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never reached %d subscribed connections", n)
}

// expect returns the next frame of type typ the peer received.
func (p *peer) expect(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-p.received:
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("peer never received a %s frame", typ)
		}
	}
}

type failingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *failingDialer) Dial(context.Context, string) (Transport, error) {
	d.calls.Add(1)
	return nil, d.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		SendTimeout:      2 * time.Second,
		WriteTimeout:     time.Second,
		Backoff:          backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		BufferSize:       64,
	}
}

func messageFrame(t *testing.T, id string, roomID int64, body string) []byte {
	t.Helper()
	payload := message.Encode(message.ChatMessage{
		ID:       id,
		RoomID:   roomID,
		SenderID: "member-2",
		Body:     body,
		SentAt:   time.Now().UTC(),
		Type:     message.TypeText,
	})
	frame, err := protocol.Marshal(protocol.TypeMessage, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("marshal message frame: %v", err)
	}
	return frame
}

func nextState(t *testing.T, ch *Channel) StateChange {
	t.Helper()
	select {
	case sc, ok := <-ch.States():
		if !ok {
			t.Fatal("state stream closed")
		}
		return sc
	case <-time.After(5 * time.Second):
		t.Fatalf("no state change within 5s (current %s)", ch.State())
	}
	return StateChange{}
}

// statesUntil collects transitions up to and including want.
func statesUntil(t *testing.T, ch *Channel, want State) []State {
	t.Helper()
	var got []State
	for {
		sc := nextState(t, ch)
		got = append(got, sc.State)
		if sc.State == want {
			return got
		}
		if sc.State == Closed {
			t.Fatalf("channel closed while waiting for %s: %v (saw %v)", want, sc.Err, got)
		}
	}
}

func nextMessage(t *testing.T, ch *Channel) message.ChatMessage {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		if !ok {
			t.Fatal("message stream closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message within 5s")
	}
	return message.ChatMessage{}
}
