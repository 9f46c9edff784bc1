package ws

import (
	"sync"
)

// Hub tracks the live connections keyed by user id so they can be counted
// and closed together on shutdown.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a connection for the given user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*Client]struct{})
	}
	h.conns[c.userID][c] = struct{}{}
}

// Unregister removes a connection for the given user.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, c.userID)
		}
	}
}

// Connections returns how many connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Len returns the total number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.conns {
		n += len(conns)
	}
	return n
}

// CloseAll sends a going-away close frame to every connection. Each
// connection unregisters itself once its read loop ends.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.conns {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Shutdown()
	}
}
