package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vigil/internal/events"
)

// clientBuffer is how many messages may queue for a slow client before it starts losing them
const clientBuffer = 32

// Client is one connected /ws/events subscriber
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	remote string

	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// EventHub pushes pipeline events to websocket clients. Broadcasting never
// blocks: each client has its own queue and a full queue drops the message.
type EventHub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *slog.Logger

	unsubscribe func()
}

// NewEventHub creates a hub; call Attach to start receiving bus events
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[*Client]bool),
		logger:  slog.With("component", "EventHub"),
	}
}

// Attach subscribes the hub to every event on bus
func (h *EventHub) Attach(bus *events.Bus) {
	unsubscribe := bus.Subscribe(events.HandlerFunc(func(ev events.Event) {
		h.Broadcast(NewMessage(ev))
	}))
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
}

// Register adds a connection and returns its client
func (h *EventHub) Register(conn *websocket.Conn, remote string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		remote: remote,
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered", "id", c.ID, "remote", remote, "total", total)
	return c
}

// Unregister removes a client and closes its queue
func (h *EventHub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("client unregistered", "id", c.ID)
	}
}

// Broadcast queues msg for every client
func (h *EventHub) Broadcast(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("client queue full, dropping message", "id", c.ID, "type", msg.Type)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for c := range clients {
		c.close()
	}
}
