// Package ws streams detection alerts to browser clients over WebSocket.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// allStreams is the subscription key for clients that want every stream.
const allStreams = "*"

// writeTimeout bounds every write to a client connection.
const writeTimeout = 10 * time.Second

// client is one subscriber. Alert broadcasts, status broadcasts and the
// connection's ping loop all write to the same *websocket.Conn, which
// allows only one concurrent writer, so every write goes through writeMu.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub tracks WebSocket subscribers per stream and fans detection
// alerts out to them.
type Hub struct {
	// clients maps stream name -> set of subscribers
	clients map[string]map[*client]bool
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
	}
}

// Register adds a connection subscribed to one stream, or to all
// streams when stream is "*", and returns its client handle.
func (h *Hub) Register(stream string, conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{conn: conn}
	if h.clients[stream] == nil {
		h.clients[stream] = make(map[*client]bool)
	}
	h.clients[stream][c] = true
	log.Printf("[WS] Client registered for stream %s (total: %d)", stream, len(h.clients[stream]))
	return c
}

// Unregister removes a client.
func (h *Hub) Unregister(stream string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[stream]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, stream)
		}
		log.Printf("[WS] Client unregistered for stream %s", stream)
	}
}

// HasClients reports whether anyone is listening for a stream.
func (h *Hub) HasClients(stream string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients[allStreams]) > 0 {
		return true
	}
	clients, ok := h.clients[stream]
	return ok && len(clients) > 0
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}

// BroadcastAlert sends a detection alert to the stream's subscribers
// and to all-stream subscribers.
func (h *Hub) BroadcastAlert(msg *AlertMessage) {
	if !h.HasClients(msg.Stream) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Error marshaling alert message: %v", err)
		return
	}
	h.broadcast(msg.Stream, data)
}

// BroadcastStatus announces a stream state change to its subscribers.
func (h *Hub) BroadcastStatus(msg *StatusMessage) {
	if !h.HasClients(msg.Stream) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Error marshaling status message: %v", err)
		return
	}
	h.broadcast(msg.Stream, data)
}

func (h *Hub) broadcast(stream string, data []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, 4)
	keys := make([]string, 0, 4)
	for c := range h.clients[stream] {
		targets = append(targets, c)
		keys = append(keys, stream)
	}
	for c := range h.clients[allStreams] {
		targets = append(targets, c)
		keys = append(keys, allStreams)
	}
	h.mu.RUnlock()

	for i, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(keys[i], c)
			c.conn.Close()
		}
	}
}
