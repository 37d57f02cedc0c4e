// Package room ties the pieces of an open chat room together: the live
// channel, the REST history and the reconciled timeline a UI renders.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/christopherjohns/chatsync/internal/channel"
	"github.com/christopherjohns/chatsync/internal/localstore"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/reconcile"
)

// HistoryFetcher loads a room's message history. *api.Client satisfies it.
type HistoryFetcher interface {
	RoomMessages(ctx context.Context, roomID int64) ([]message.ChatMessage, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLocalStore records optimistic sends in store instead of a private one.
func WithLocalStore(store *localstore.Store) Option {
	return func(s *Service) { s.local = store }
}

// Service opens rooms for one session.
type Service struct {
	history    HistoryFetcher
	channels   *channel.Client
	reconciler *reconcile.Reconciler
	local      *localstore.Store
	logger     *slog.Logger

	mu    sync.Mutex
	rooms map[int64]*Room
}

// NewService creates a Service.
func NewService(history HistoryFetcher, channels *channel.Client, opts ...Option) *Service {
	s := &Service{
		history:    history,
		channels:   channels,
		reconciler: reconcile.New(),
		logger:     slog.Default(),
		rooms:      make(map[int64]*Room),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.local == nil {
		s.local = localstore.New()
	}
	s.logger = s.logger.With("component", "room")
	return s
}

// Local returns the store of optimistic sends.
func (s *Service) Local() *localstore.Store {
	return s.local
}

// Open joins the room's channel, loads its history and starts feeding live
// messages into a fresh timeline. The channel is joined before history is
// fetched so nothing published in between is lost; live messages wait in the
// channel's buffer until the timeline exists.
//
// If the history cannot be loaded the channel is left and no timeline is
// opened. Opening a room that is already open returns the same Room unless
// its channel has closed.
func (s *Service) Open(ctx context.Context, roomID int64) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[roomID]; ok {
		select {
		case <-r.ch.Done():
			// Its channel gave up; the timeline is replaced below.
			delete(s.rooms, roomID)
		default:
			return r, nil
		}
	}

	ch := s.channels.Join(roomID)
	select {
	case <-ch.Done():
		return nil, fmt.Errorf("room.Open: %w", ch.Err())
	default:
	}

	msgs, err := s.history.RoomMessages(ctx, roomID)
	if err != nil {
		ch.Leave()
		return nil, fmt.Errorf("room.Open: %w", err)
	}

	r := &Room{
		id:       roomID,
		svc:      s,
		ch:       ch,
		timeline: s.reconciler.OpenRoom(roomID, msgs),
		pumped:   make(chan struct{}),
	}
	s.rooms[roomID] = r
	go r.pump()

	s.logger.Info("room opened", "room_id", roomID, "history", r.timeline.Len())
	return r, nil
}

// Close leaves every open room.
func (s *Service) Close() {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.Leave()
	}
}

func (s *Service) forget(r *Room) {
	s.mu.Lock()
	if s.rooms[r.id] == r {
		delete(s.rooms, r.id)
	}
	s.mu.Unlock()
}

// Room is an open chat room.
type Room struct {
	id       int64
	svc      *Service
	ch       *channel.Channel
	timeline *reconcile.Timeline
	pumped   chan struct{}
	leave    sync.Once
}

// ID returns the room id.
func (r *Room) ID() int64 { return r.id }

// Timeline returns the room's reconciled timeline.
func (r *Room) Timeline() *reconcile.Timeline { return r.timeline }

// States streams connection state changes of the room's channel.
func (r *Room) States() <-chan channel.StateChange { return r.ch.States() }

// State returns the current connection state.
func (r *Room) State() channel.State { return r.ch.State() }

// Err returns the reason the room's channel closed, if it has.
func (r *Room) Err() error { return r.ch.Err() }

// Send records the text as a local entry and sends it. The message reaches
// the timeline when the server broadcasts it back. A send that fails leaves
// no local entry behind.
func (r *Room) Send(ctx context.Context, text string) (channel.Ack, error) {
	if r.ch.State() != channel.Active {
		return r.ch.Send(ctx, text)
	}
	e := r.svc.local.Add(localstore.Entry{RoomID: r.id, Body: text})
	ack, err := r.ch.Send(ctx, text)
	if err != nil {
		r.svc.local.Remove(e.ID)
	}
	return ack, err
}

// Leave closes the channel and discards the timeline. Safe to call more
// than once.
func (r *Room) Leave() {
	r.leave.Do(func() {
		r.ch.Leave()
		<-r.pumped
		r.svc.reconciler.Release(r.timeline)
		r.svc.forget(r)
		r.svc.logger.Info("room left", "room_id", r.id)
	})
}

func (r *Room) pump() {
	defer close(r.pumped)
	for m := range r.ch.Messages() {
		r.timeline.OnLive(m)
	}
}
