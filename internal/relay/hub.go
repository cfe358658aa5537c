package relay

import (
	"encoding/json"
	"sync"

	"github.com/cashflowdash/chatbridge/internal/metrics"
	"github.com/cashflowdash/chatbridge/internal/slogging"
)

// Hub tracks connected downstream clients grouped by session key and
// dispatches frames to them. Delivery never blocks: clients whose send
// buffer is full are evicted.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]bool
	logger   *slogging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slogging.Logger) *Hub {
	if logger == nil {
		logger = slogging.Get()
	}
	return &Hub{
		sessions: make(map[string]map[*Client]bool),
		logger:   logger,
	}
}

// Register adds a client under its session key.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.sessions[c.SessionKey]
	if !ok {
		clients = make(map[*Client]bool)
		h.sessions[c.SessionKey] = clients
	}
	if !clients[c] {
		clients[c] = true
		metrics.RelayConnectedClients.Inc()
	}
	h.logger.Debug("relay client registered: session=%s conn=%s clients=%d",
		c.SessionKey, c.ID, len(clients))
}

// Unregister removes a client. Calling it for a client that is already gone
// is a no-op, so the read pump and an eviction can both run it safely.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.sessions[c.SessionKey]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.sessions, c.SessionKey)
	}
	metrics.RelayConnectedClients.Dec()
	c.closeSend()
	h.logger.Debug("relay client unregistered: session=%s conn=%s", c.SessionKey, c.ID)
}

// BroadcastToSession delivers a frame to every client of one session.
func (h *Hub) BroadcastToSession(sessionKey string, msg Message) {
	h.broadcast(sessionKey, msg, nil)
	metrics.RelayBroadcasts.WithLabelValues("session").Inc()
}

// BroadcastToSessionExcept delivers a frame to every client of one session
// other than the originator.
func (h *Hub) BroadcastToSessionExcept(sessionKey string, msg Message, except *Client) {
	h.broadcast(sessionKey, msg, except)
	metrics.RelayBroadcasts.WithLabelValues("session").Inc()
}

// BroadcastToAll delivers a frame to every connected client regardless of
// session.
func (h *Hub) BroadcastToAll(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("relay broadcast marshal failed: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.sessions {
		for c := range clients {
			h.deliverLocked(c, data)
		}
	}
	metrics.RelayBroadcasts.WithLabelValues("all").Inc()
}

func (h *Hub) broadcast(sessionKey string, msg Message, except *Client) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("relay broadcast marshal failed: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.sessions[sessionKey] {
		if c == except {
			continue
		}
		h.deliverLocked(c, data)
	}
}

// deliverLocked enqueues a frame without blocking. A full buffer means the
// client stopped draining; dropping the whole client keeps one slow reader
// from stalling the session.
func (h *Hub) deliverLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("relay client send buffer full, evicting: session=%s conn=%s",
			c.SessionKey, c.ID)
		metrics.RelayDroppedClients.Inc()
		h.removeLocked(c)
	}
}

// SessionClients reports how many clients are attached to a session key.
func (h *Hub) SessionClients(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionKey])
}

// TotalClients reports the number of connected clients across all sessions.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.sessions {
		n += len(clients)
	}
	return n
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.sessions {
		for c := range clients {
			h.removeLocked(c)
		}
	}
}
