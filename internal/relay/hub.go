package relay

import (
	"sync"

	"nhooyr.io/websocket"

	"github.com/christopherjohns/chatsync/internal/auth"
)

// Client represents a connected, authenticated WebSocket session.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      <-chan struct{}
	sessionID string
	identity  auth.Identity
}

// Hub fans frames out to the clients subscribed to each room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[int64]map[*Client]struct{}
	clients map[*Client]map[int64]struct{}
	conns   *ConnManager
}

// NewHub creates a Hub on top of conns.
func NewHub(conns *ConnManager) *Hub {
	return &Hub{
		rooms:   make(map[int64]map[*Client]struct{}),
		clients: make(map[*Client]map[int64]struct{}),
		conns:   conns,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Subscribe adds c to a room's topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	if h.clients[c] == nil {
		h.clients[c] = make(map[int64]struct{})
	}
	h.clients[c][roomID] = struct{}{}
}

// Unsubscribe removes c from a room's topic.
func (h *Hub) Unsubscribe(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, roomID)
}

func (h *Hub) unsubscribeLocked(c *Client, roomID int64) {
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.clients[c]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.clients, c)
		}
	}
}

// Subscribed reports whether c is subscribed to roomID.
func (h *Hub) Subscribed(c *Client, roomID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c][roomID]
	return ok
}

// removeClient drops every subscription of c and stops its write pump.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	for roomID := range h.clients[c] {
		h.unsubscribeLocked(c, roomID)
	}
	h.mu.Unlock()

	h.conns.Remove(c)
}

// Broadcast queues frame for every client subscribed to roomID and returns
// how many accepted it.
func (h *Hub) Broadcast(roomID int64, frame []byte) int {
	h.mu.RLock()
	clients := h.rooms[roomID]
	// Copy the set so we can release the lock before sending.
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.conns.Send(c, frame) {
			delivered++
		}
	}
	return delivered
}

// ClientCount returns the number of clients subscribed to a room.
func (h *Hub) ClientCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
