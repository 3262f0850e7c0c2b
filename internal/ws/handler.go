package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The service runs on trusted field networks behind a reverse
		// proxy; origin filtering happens there.
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket subscriptions.
// URL format: /ws/alerts for all streams, /ws/alerts/{stream} for one.
type Handler struct {
	hub *Hub
}

// NewHandler creates a WebSocket handler for the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stream := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/alerts"), "/")
	if stream == "" {
		stream = allStreams
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New subscription for stream %s from %s", stream, r.RemoteAddr)
	c := h.hub.Register(stream, conn)
	go h.readPump(stream, c)
}

// readPump drains client messages to detect disconnects and keeps the
// connection alive with pings.
func (h *Handler) readPump(stream string, c *client) {
	conn := c.conn
	defer func() {
		h.hub.Unregister(stream, c)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for stream %s: %v", stream, err)
			}
			break
		}
	}
}
