package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET HUB - client registry and per-user fan-out
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The claim HMAC authenticates users, not origins.
		return true
	},
}

// outbound wraps a frame with its drop policy: price ticks are droppable
// under backpressure, trade and settlement frames never are.
type outbound struct {
	data      []byte
	droppable bool
}

// client is one WebSocket connection, possibly bound to a user after auth
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound

	mu     sync.RWMutex
	userID int64 // 0 until authenticated
}

func (c *client) user() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *client) setUser(id int64) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// enqueue applies the drop policy. A droppable frame is discarded when the
// buffer is full; a critical frame gets a bounded wait and a client that
// still cannot take it is cut loose rather than blocking the engine.
func (c *client) enqueue(msg outbound) {
	select {
	case c.send <- msg:
		return
	default:
	}
	if msg.droppable {
		return
	}
	select {
	case c.send <- msg:
	case <-time.After(writeWait):
		log.Warn().Msg("🔌 Dropping client stuck on critical message")
		c.conn.Close()
	}
}

// Hub manages connected clients and the userID reverse map
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	byUser  map[int64]map[*client]bool

	register   chan *client
	unregister chan *client
	stopCh     chan struct{}

	dispatch func(c *client, data []byte)
}

// NewHub creates the hub; dispatch handles each inbound frame
func NewHub(dispatch func(c *client, data []byte)) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		byUser:     make(map[int64]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
		dispatch:   dispatch,
	}
}

// Run processes registration until Stop; call in a goroutine
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.byUser = make(map[int64]map[*client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("total", total).Msg("🔌 Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.unbindLocked(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("total", total).Msg("🔌 Client disconnected")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down
func (h *Hub) Stop() {
	close(h.stopCh)
}

// Bind associates an authenticated connection with its user
func (h *Hub) Bind(c *client, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(c)
	c.setUser(userID)
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*client]bool)
	}
	h.byUser[userID][c] = true
}

func (h *Hub) unbindLocked(c *client) {
	if id := c.user(); id != 0 {
		if set := h.byUser[id]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, id)
			}
		}
	}
}

// Broadcast sends a frame to every connected client
func (h *Hub) Broadcast(data []byte, droppable bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(outbound{data: data, droppable: droppable})
	}
}

// SendToUser sends a frame to every connection of one user
func (h *Hub) SendToUser(userID int64, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		c.enqueue(outbound{data: data})
	}
}

// HandleWS upgrades the request and starts the connection's pumps
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan outbound, sendBufferSize),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		c.hub.dispatch(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
