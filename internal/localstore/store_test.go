package localstore

import (
	"testing"
	"time"
)

func TestStoreNewestFirst(t *testing.T) {
	s := New()
	s.Add(Entry{Body: "first"})
	s.Add(Entry{Body: "second"})
	s.Add(Entry{Body: "third"})

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, want := range []string{"third", "second", "first"} {
		if all[i].Body != want {
			t.Errorf("All()[%d] = %q, want %q", i, all[i].Body, want)
		}
	}
}

func TestStoreFillsIDAndTime(t *testing.T) {
	s := New()
	e := s.Add(Entry{RoomID: 3, Body: "x"})
	if e.ID == "" {
		t.Error("expected a generated ID")
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kept := s.Add(Entry{ID: "mine", CreatedAt: at})
	if kept.ID != "mine" || !kept.CreatedAt.Equal(at) {
		t.Errorf("Add overwrote caller fields: %+v", kept)
	}
}

func TestStoreAllReturnsCopy(t *testing.T) {
	s := New()
	s.Add(Entry{Body: "a"})
	all := s.All()
	all[0].Body = "changed"
	if s.All()[0].Body != "a" {
		t.Fatal("mutating All() result changed the store")
	}
}

func TestStoreClear(t *testing.T) {
	s := New()
	s.Add(Entry{Body: "a"})
	s.Add(Entry{Body: "b"})
	s.Clear()
	if s.Len() != 0 || len(s.All()) != 0 {
		t.Fatalf("store not empty after Clear: %v", s.All())
	}
}

func TestStoreRemove(t *testing.T) {
	s := New()
	a := s.Add(Entry{Body: "a"})
	s.Add(Entry{Body: "b"})

	if !s.Remove(a.ID) {
		t.Fatal("Remove() = false for a stored entry")
	}
	if s.Remove(a.ID) {
		t.Error("Remove() = true for an entry already removed")
	}
	all := s.All()
	if len(all) != 1 || all[0].Body != "b" {
		t.Fatalf("All() = %v, want only b", all)
	}
}
