package reconcile

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/christopherjohns/chatsync/internal/message"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, roomID int64, at time.Time) message.ChatMessage {
	return message.ChatMessage{ID: id, RoomID: roomID, SenderID: "u", Body: id, SentAt: at, Type: message.TypeText}
}

func ids(msgs []message.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestHistoryDuplicateAndOutOfOrderLive(t *testing.T) {
	r := New()
	tl := r.OpenRoom(42, []message.ChatMessage{msg("a", 42, base)})

	b := msg("b", 42, base.Add(time.Minute))
	c := msg("c", 42, base.Add(-time.Minute))

	if !r.OnLive(b) {
		t.Fatal("first b should be added")
	}
	if r.OnLive(b) {
		t.Fatal("duplicate b should be ignored")
	}
	if !r.OnLive(c) {
		t.Fatal("c should be added")
	}

	if got, want := ids(tl.Snapshot()), []string{"c", "a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
}

func TestPermutationAndDuplicationConverge(t *testing.T) {
	var set []message.ChatMessage
	for i := range 20 {
		// Several messages share a timestamp so the id tie-break matters.
		at := base.Add(time.Duration(i/3) * time.Second)
		set = append(set, msg(string(rune('a'+(19-i))), 1, at))
	}

	want := slices.Clone(set)
	slices.SortFunc(want, message.Compare)

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		var feed []message.ChatMessage
		for _, m := range set {
			for range 1 + rng.IntN(3) {
				feed = append(feed, m)
			}
		}
		rng.Shuffle(len(feed), func(i, j int) { feed[i], feed[j] = feed[j], feed[i] })

		split := rng.IntN(len(feed))
		tl := New().OpenRoom(1, feed[:split])
		for _, m := range feed[split:] {
			tl.OnLive(m)
		}

		if got := tl.Snapshot(); !slices.Equal(ids(got), ids(want)) {
			t.Fatalf("trial %d: timeline = %v, want %v", trial, ids(got), ids(want))
		}
	}
}

func TestOnLiveIsIdempotent(t *testing.T) {
	tl := New().OpenRoom(1, nil)
	m := msg("x", 1, base)

	tl.OnLive(m)
	once := tl.Snapshot()
	tl.OnLive(m)

	if !slices.EqualFunc(once, tl.Snapshot(), func(a, b message.ChatMessage) bool { return a.ID == b.ID && a.SentAt.Equal(b.SentAt) }) {
		t.Fatalf("second OnLive changed the timeline: %v -> %v", ids(once), ids(tl.Snapshot()))
	}
	if tl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tl.Len())
	}
}

func TestObserverEvents(t *testing.T) {
	tl := New().OpenRoom(1, []message.ChatMessage{msg("a", 1, base)})

	var events []Event
	var lens []int
	unsubscribe := tl.Subscribe(func(ev Event) {
		events = append(events, ev)
		lens = append(lens, tl.Len())
	})

	tl.OnLive(msg("b", 1, base.Add(time.Second)))
	tl.OnLive(msg("early", 1, base.Add(-time.Second)))
	tl.OnLive(msg("b", 1, base.Add(time.Second)))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != Appended || events[0].Index != 1 || events[0].Message.ID != "b" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != Inserted || events[1].Index != 0 || events[1].Message.ID != "early" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if !slices.Equal(lens, []int{2, 3}) {
		t.Errorf("observers saw lengths %v, want [2 3]", lens)
	}

	unsubscribe()
	unsubscribe()
	tl.OnLive(msg("c", 1, base.Add(time.Hour)))
	if len(events) != 2 {
		t.Fatalf("unsubscribed observer still notified")
	}
}

func TestForeignRoomMessagesIgnored(t *testing.T) {
	r := New()
	tl := r.OpenRoom(1, []message.ChatMessage{msg("a", 1, base), msg("stray", 2, base)})

	if tl.Len() != 1 {
		t.Fatalf("history kept %v, want only room 1", ids(tl.Snapshot()))
	}
	if tl.OnLive(msg("z", 2, base)) {
		t.Fatal("timeline accepted a message for another room")
	}
	if r.OnLive(msg("z", 3, base)) {
		t.Fatal("reconciler accepted a message for a room that is not open")
	}
}

func TestCloseAndReopenResets(t *testing.T) {
	r := New()
	first := r.OpenRoom(5, []message.ChatMessage{msg("a", 5, base)})
	notified := false
	first.Subscribe(func(Event) { notified = true })

	r.CloseRoom(5)
	if !first.Closed() || first.Len() != 0 {
		t.Fatal("CloseRoom should discard the timeline")
	}
	if first.OnLive(msg("b", 5, base)) || notified {
		t.Fatal("closed timeline must ignore messages and release observers")
	}
	if r.Timeline(5) != nil {
		t.Fatal("closed room still registered")
	}

	second := r.OpenRoom(5, nil)
	if second.Len() != 0 || second.Contains("a") {
		t.Fatal("reopened room should start empty")
	}
	if !r.OnLive(msg("a", 5, base)) {
		t.Fatal("message seen before the rejoin should be accepted again")
	}
}

func TestOpenRoomReplacesExisting(t *testing.T) {
	r := New()
	old := r.OpenRoom(9, nil)
	fresh := r.OpenRoom(9, nil)

	if !old.Closed() {
		t.Fatal("replaced timeline should be closed")
	}
	if r.Timeline(9) != fresh {
		t.Fatal("Timeline should return the newest timeline")
	}

	r.Release(old)
	if r.Timeline(9) != fresh {
		t.Fatal("releasing a stale timeline must not drop the current one")
	}
	r.Release(fresh)
	if r.Timeline(9) != nil {
		t.Fatal("Release should forget the current timeline")
	}
}
