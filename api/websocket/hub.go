// Package websocket streams session events to connected terminals. Each
// client binds to one session and one user at upgrade time; it receives a
// consistent snapshot first, then every event its privileges allow, in
// sequence order.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/session"
)

// Hub maintains the set of active clients.
type Hub struct {
	sup *session.Supervisor

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	config *HubConfig
	logger log.Logger
}

// HubConfig contains hub configuration
type HubConfig struct {
	// Rate limiting
	MessageRateLimit int // Inbound messages per second per client
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		MessageRateLimit: 20,
	}
}

// NewHub creates a new Hub bound to the session supervisor.
func NewHub(sup *session.Supervisor, config *HubConfig, logger log.Logger) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}

	return &Hub{
		sup:        sup,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		config:     config,
		logger:     logger.With("component", "ws"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	client.pending = false
	h.mu.Unlock()
	metrics.GetCollector().RecordWSConnection(1)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.pending = false
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		client.rt.Unsubscribe(client.subscriberID)
		metrics.GetCollector().RecordWSConnection(-1)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ============ Message Types ============

// WSMessage represents an outbound WebSocket message
type WSMessage struct {
	Type string      `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// ServeWS handles WebSocket upgrade requests. The session and user bind at
// upgrade time via query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")
	if sessionID == "" || userID == "" {
		http.Error(w, "session_id and user_id required", http.StatusBadRequest)
		return
	}

	rt, ok := h.sup.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h, conn, rt, userID)

	snap, sub, err := rt.Subscribe(userID, client.subscriberID)
	if err != nil {
		_ = conn.WriteJSON(&WSMessage{Type: "error", Data: map[string]string{
			"code":    "session_terminal",
			"message": "session is shut down",
		}})
		conn.Close()
		return
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	// Snapshot first, then the stream it is consistent with.
	client.sendMessage(&WSMessage{Type: "snapshot", Seq: snap.Seq, Data: snap})
	go client.forward(sub)
}

// forward pumps bus events into the client's send buffer. The bus closes
// the channel when the subscriber falls behind or the session shuts down.
func (c *Client) forward(sub *events.Subscriber) {
	for ev := range sub.Events {
		c.sendMessage(&WSMessage{Type: "event", Seq: ev.Seq, Data: ev})
		metrics.GetCollector().RecordWSMessage(string(ev.Type))
	}
	if sub.Slow() {
		c.sendMessage(&WSMessage{Type: "error", Data: map[string]string{
			"code":    "stream_lagged",
			"message": "event stream fell behind, reconnect for a fresh snapshot",
		}})
	}
	c.hub.unregister <- c
}

// sendMessage enqueues one message. The hub lock excludes the send against
// unregister closing the channel.
func (c *Client) sendMessage(msg *WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] && !c.pending {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full; the bus-side slow detection handles disconnect.
	}
}

func newSubscriberID() string {
	return "ws:" + uuid.NewString()
}
