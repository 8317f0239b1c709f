// Package websocket pushes notifications and new-order alerts to connected
// clients. Clients subscribe as one owner id and only receive that owner's
// messages.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	TypeNotification = "notification"
	TypeNewOrders    = "new_orders"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	// Origin checks belong to the gateway in front of the service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Message struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"owner_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type NewOrdersAlert struct {
	Delta int `json:"delta"`
}

type Client struct {
	ownerID string
	conn    *websocket.Conn
	send    chan Message
	hub     *Hub
}

type Hub struct {
	clients    map[string]map[*Client]struct{}
	deliver    chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logrus.Logger
	now        func() time.Time
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		deliver:    make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for owner, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, owner)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.ownerID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.ownerID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			h.logger.WithField("owner_id", c.ownerID).Info("Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()
			h.logger.WithField("owner_id", c.ownerID).Info("Client disconnected")

		case msg := <-h.deliver:
			h.mu.Lock()
			for c := range h.clients[msg.OwnerID] {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; it will reconnect and re-read its log.
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.ownerID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.ownerID)
	}
}

// Deliver queues data for every client of ownerID. It never blocks.
func (h *Hub) Deliver(ownerID, messageType string, data any) {
	msg := Message{
		Type:      messageType,
		OwnerID:   ownerID,
		Data:      data,
		Timestamp: h.now(),
	}
	select {
	case h.deliver <- msg:
	default:
		h.logger.WithField("owner_id", ownerID).Warn("Delivery channel full, dropping message")
	}
}

// NotificationCreated pushes a freshly stored notification.
func (h *Hub) NotificationCreated(n models.Notification) {
	h.Deliver(n.OwnerID, TypeNotification, n)
}

// NewOrders plays the new-order alert on the owner's clients.
func (h *Hub) NewOrders(ownerID string, delta int) {
	h.Deliver(ownerID, TypeNewOrders, NewOrdersAlert{Delta: delta})
}

// HandleWebSocket upgrades the request. The owner comes from the owner query
// parameter or the X-Actor-ID header.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = r.Header.Get("X-Actor-ID")
	}
	if owner == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	c := &Client{
		ownerID: owner,
		conn:    conn,
		send:    make(chan Message, sendBuffer),
		hub:     h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) ClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Error("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
			data, err := json.Marshal(msg)
			if err != nil {
				c.hub.logger.WithError(err).Error("Failed to marshal WebSocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
