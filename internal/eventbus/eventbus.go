// Package eventbus fans out domain events to external WebSocket observers,
// grounded on the teacher's internal/api/stream.go Hub/Client broadcast
// pattern (spec.md §6.5, §5 SUPPLEMENTAL FEATURES "Event fan-out over
// WebSocket").
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Kind identifies an event surface entry (spec.md §6.5).
type Kind string

const (
	KindUpdate    Kind = "update"
	KindOpen      Kind = "open"
	KindClose     Kind = "close"
	KindAuthed    Kind = "authed"
	KindAuthError Kind = "auth_error"
)

// Diff lists the top-level fields that changed between an entity's previous
// and current snapshot (stable-serialization equality, spec.md §6.5).
type Diff struct {
	Changed []string `json:"changed"`
}

// Event is one entry on the event surface exposed to callers. Entity and
// Diff are only meaningful for KindUpdate; hub-level events (open, close,
// authed, auth_error) carry Reason only.
type Event struct {
	Kind      Kind        `json:"kind"`
	Entity    string      `json:"entity,omitempty"`
	Snapshot  interface{} `json:"snapshot,omitempty"`
	Diff      Diff        `json:"diff,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub manages WebSocket observers and broadcasts Events to them, grounded
// on the teacher's Hub{clients,register,unregister,broadcast}.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// Client is one connected WebSocket observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an event bus hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With().Str("component", "eventbus").Logger(),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", count).Msg("observer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", count).Msg("observer disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish marshals evt and broadcasts it to every connected observer
// (non-blocking; a full broadcast buffer drops the event with a warning).
func (h *Hub) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("broadcast buffer full, dropping event")
	}
}

// Unicast marshals evt and sends it to a single client, dropping it with a
// warning if the client's send buffer is full rather than blocking the
// caller (mirrors the teacher's initial-snapshot send in HandleWebSocket).
func (h *Hub) Unicast(c *Client, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	select {
	case c.send <- data:
	default:
		h.logger.Warn().Msg("failed to send event to observer")
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// writePump pumps messages from the hub to the observer's connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump drains the observer's connection so pongs are read; the event
// bus is publish-only, so any client message is ignored.
func (c *Client) readPump() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("observer websocket error")
			}
			return
		}
	}
}

// NewClient registers conn with hub and starts its read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
