package rest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/logctx"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	clientBuffer = 256
)

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// EventHub streams download events to websocket clients. A client that
// cannot keep up is disconnected rather than slowing down the others.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*eventClient
	closed  bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*eventClient),
	}
}

// Broadcast is an event bridge subscriber.
func (h *EventHub) Broadcast(e downloader.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, id)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade event stream", "err", err)

		return
	}

	c := &eventClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, clientBuffer)}

	if !h.register(c) {
		conn.Close()

		return
	}

	logger.Debug("event stream connected", "client_id", c.id)

	go c.writePump()

	c.readPump()
	h.unregister(c)

	logger.Debug("event stream disconnected", "client_id", c.id)
}

func (h *EventHub) register(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.clients[c.id] = c

	return true
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		close(c.send)
		delete(h.clients, c.id)
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and returns once the connection drops.
func (c *eventClient) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
