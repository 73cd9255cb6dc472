// Package feed streams one event per proxied request to connected
// operator WebSocket clients. Purely observational; dropping events is
// acceptable when clients cannot keep up.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event describes one proxied request: the surface the client saw and
// the canonical operation it resolved to.
type Event struct {
	ID             string `json:"id"`
	UserID         int64  `json:"user_id"`
	PermutedMethod string `json:"permuted_method"`
	PermutedPath   string `json:"permuted_path"`
	Method         string `json:"method,omitempty"`
	Path           string `json:"path,omitempty"`
	Status         int    `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	Timestamp      int64  `json:"timestamp"`
}

// Hub fans events out to all connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	log        hclog.Logger

	mu      sync.RWMutex
	nActive int
}

func NewHub(log hclog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Run owns the client set; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setActive(len(h.clients))
			h.log.Debug("feed client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.setActive(len(h.clients))
				h.log.Debug("feed client disconnected", "clients", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
					h.setActive(len(h.clients))
				}
			}

		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.setActive(0)
			return
		}
	}
}

func (h *Hub) Stop() { close(h.done) }

func (h *Hub) setActive(n int) {
	h.mu.Lock()
	h.nActive = n
	h.mu.Unlock()
}

func (h *Hub) active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nActive > 0
}

// Publish sends an event to all clients. Non-blocking: with no clients
// connected, or a full broadcast queue, the event is dropped.
func (h *Hub) Publish(ev Event) {
	if h == nil || !h.active() {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal feed event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// ServeWS upgrades the connection and attaches it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		// Reads are only for detecting disconnects.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("feed read error", "error", err)
			}
			break
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		msg, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}
