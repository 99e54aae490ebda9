package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/blejsond/internal/node"
)

const writeWait = 100 * time.Millisecond

type client struct {
	conn     *websocket.Conn
	endpoint string // empty receives every endpoint

	mu sync.Mutex // one writer at a time
}

// Hub fans received messages out to WebSocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*client)}
}

// AddClient subscribes conn to messages from endpoint, or from every
// endpoint when endpoint is empty.
func (h *Hub) AddClient(conn *websocket.Conn, endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &client{conn: conn, endpoint: endpoint}
}

// RemoveClient unsubscribes and closes conn.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends msg to every client subscribed to its endpoint. Clients
// that cannot take the write within writeWait are dropped.
func (h *Hub) Broadcast(msg node.Message) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.endpoint == "" || c.endpoint == msg.Endpoint {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, c := range targets {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.mu.Lock()
			defer c.mu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		slog.Debug("[API] dropping stream client", "remote", conn.RemoteAddr().String())
		h.RemoveClient(conn)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	clear(h.clients)
}
