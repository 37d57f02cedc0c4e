package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/christopherjohns/chatsync/internal/api"
	"github.com/christopherjohns/chatsync/internal/auth"
	"github.com/christopherjohns/chatsync/internal/backoff"
	"github.com/christopherjohns/chatsync/internal/channel"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/protocol"
	"github.com/christopherjohns/chatsync/internal/reconcile"
	"github.com/christopherjohns/chatsync/internal/server"
	"github.com/christopherjohns/chatsync/internal/session"
)

const testRoom = 7

type stack struct {
	srv      *server.Server
	url      string
	state    *session.State
	api      *api.Client
	channels *channel.Client
	svc      *Service
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStack runs the dev server and a signed-in client session against it.
func newStack(t *testing.T, history HistoryFetcher, opts ...server.Option) *stack {
	t.Helper()
	srv := server.New(":0", auth.NewJWTService("test-secret", time.Hour), append([]server.Option{
		server.WithLogger(quietLogger()),
		server.WithAccounts([]auth.Account{{Email: "alice@example.com", Password: "pw", UserID: "alice"}}),
	}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	st := &stack{srv: srv, url: ts.URL, state: session.New()}
	st.api = api.New(ts.URL, st.state)
	tok, err := st.api.Login(context.Background(), "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	st.state.Set(tok)

	st.channels = channel.NewClient(st.state, channel.Config{
		URL:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Backoff: backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}, channel.WithLogger(quietLogger()))
	t.Cleanup(st.channels.Close)

	if history == nil {
		history = st.api
	}
	st.svc = NewService(history, st.channels, WithLogger(quietLogger()))
	t.Cleanup(st.svc.Close)
	return st
}

func waitActive(t *testing.T, r *Room) {
	t.Helper()
	waitState(t, r, channel.Active)
}

func waitState(t *testing.T, r *Room, want channel.State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case sc := <-r.States():
			if sc.State == want {
				return
			}
			if sc.State == channel.Closed {
				t.Fatalf("channel closed waiting for %s: %v", want, sc.Err)
			}
		case <-timeout:
			t.Fatalf("room never reached %s (state %s)", want, r.State())
		}
	}
}

func watch(r *Room) <-chan reconcile.Event {
	events := make(chan reconcile.Event, 16)
	r.Timeline().Subscribe(func(ev reconcile.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	return events
}

func nextEvent(t *testing.T, events <-chan reconcile.Event) reconcile.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no timeline event within 5s")
	}
	return reconcile.Event{}
}

func bodies(msgs []message.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestSendReachesTimelineAndHistory(t *testing.T) {
	st := newStack(t, nil)
	ctx := context.Background()

	r, err := st.svc.Open(ctx, testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := watch(r)
	waitActive(t, r)

	ack, err := r.Send(ctx, "first")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Kind != reconcile.Appended || ev.Message.ID != ack.MessageID || ev.Message.SenderID != "alice" {
		t.Fatalf("event = %+v, ack = %+v", ev, ack)
	}
	if st.svc.Local().Len() != 1 {
		t.Errorf("local entries = %d, want 1", st.svc.Local().Len())
	}

	r.Leave()
	if !r.Timeline().Closed() {
		t.Fatal("Leave should close the timeline")
	}

	// Reopening loads what was sent from history.
	again, err := st.svc.Open(ctx, testRoom)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again == r {
		t.Fatal("reopen returned the left room")
	}
	events = watch(again)
	waitActive(t, again)
	if _, err := again.Send(ctx, "second"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	nextEvent(t, events)

	if got := bodies(again.Timeline().Snapshot()); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("timeline = %v, want [first second]", got)
	}
}

func TestOpenTwiceReturnsSameRoom(t *testing.T) {
	st := newStack(t, nil)

	a, err := st.svc.Open(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := st.svc.Open(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a != b {
		t.Fatal("second Open should return the open room")
	}
}

type fetcherFunc func(ctx context.Context, roomID int64) ([]message.ChatMessage, error)

func (f fetcherFunc) RoomMessages(ctx context.Context, roomID int64) ([]message.ChatMessage, error) {
	return f(ctx, roomID)
}

func TestOpenFailsClosedOnHistoryError(t *testing.T) {
	errBoom := errors.New("boom")
	st := newStack(t, fetcherFunc(func(context.Context, int64) ([]message.ChatMessage, error) {
		return nil, errBoom
	}))

	r, err := st.svc.Open(context.Background(), testRoom)
	if !errors.Is(err, errBoom) || r != nil {
		t.Fatalf("Open = %v, %v; want boom", r, err)
	}
	if st.svc.reconciler.Timeline(testRoom) != nil {
		t.Fatal("a timeline was opened despite the history failure")
	}
	if len(st.svc.rooms) != 0 {
		t.Fatal("failed room was registered")
	}
}

func TestOpenWithoutTokenFails(t *testing.T) {
	var fetched atomic.Bool
	st := newStack(t, fetcherFunc(func(context.Context, int64) ([]message.ChatMessage, error) {
		fetched.Store(true)
		return nil, nil
	}))
	st.state.Clear()

	_, err := st.svc.Open(context.Background(), testRoom)
	if !errors.Is(err, channel.ErrAuthRequired) {
		t.Fatalf("Open err = %v, want ErrAuthRequired", err)
	}
	if fetched.Load() {
		t.Fatal("history fetched without a session")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	st := newStack(t, nil)
	r, err := st.svc.Open(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r.Leave()
	r.Leave()
	if r.State() != channel.Closed {
		t.Fatalf("state = %s, want closed", r.State())
	}
	if _, err := r.Send(context.Background(), "late"); !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("Send after Leave = %v, want ErrNotConnected", err)
	}
	if n := st.svc.Local().Len(); n != 0 {
		t.Fatalf("local entries after a refused send = %d, want 0", n)
	}
}

func TestRejectedSendLeavesNoLocalEntry(t *testing.T) {
	st := newStack(t, nil)
	ctx := context.Background()
	r, err := st.svc.Open(ctx, testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitActive(t, r)

	if _, err := r.Send(ctx, "   "); !errors.Is(err, channel.ErrRejected) {
		t.Fatalf("Send blank = %v, want ErrRejected", err)
	}
	if n := st.svc.Local().Len(); n != 0 {
		t.Fatalf("local entries = %d, want 0", n)
	}

	if _, err := r.Send(ctx, "kept"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if all := st.svc.Local().All(); len(all) != 1 || all[0].Body != "kept" {
		t.Fatalf("local entries = %v, want only kept", all)
	}
}

func TestReconnectKeepsTimeline(t *testing.T) {
	st := newStack(t, nil, server.WithDebugRoutes(true))
	ctx := context.Background()

	r, err := st.svc.Open(ctx, testRoom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := watch(r)
	waitActive(t, r)

	if _, err := r.Send(ctx, "before"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := nextEvent(t, events).Message

	resp, err := http.Post(st.url+"/debug/drop-connections", "application/json", nil)
	if err != nil {
		t.Fatalf("drop connections: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drop connections status = %d", resp.StatusCode)
	}
	waitState(t, r, channel.Reconnecting)
	waitActive(t, r)

	if got := bodies(r.Timeline().Snapshot()); !slices.Equal(got, []string{"before"}) {
		t.Fatalf("timeline after reconnect = %v, want [before]", got)
	}

	// The server delivers the earlier message again on the new connection.
	frame, err := protocol.Marshal(protocol.TypeMessage, message.ToWire(before))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if n := st.srv.Hub().Broadcast(testRoom, frame); n == 0 {
		t.Fatal("broadcast reached no clients")
	}
	if _, err := r.Send(ctx, "after"); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	// Frames arrive in order, so the duplicate was handled before this.
	if ev := nextEvent(t, events); ev.Message.Body != "after" {
		t.Fatalf("event = %+v, want the after message", ev)
	}

	if n := r.Timeline().Len(); n != 2 {
		t.Fatalf("timeline len = %d, want 2", n)
	}
	if got := bodies(r.Timeline().Snapshot()); !slices.Equal(got, []string{"before", "after"}) {
		t.Fatalf("timeline = %v, want [before after]", got)
	}
}
