// WebSocket event bridge: pushes sync outcomes, remote entity changes,
// and connection state transitions to attached UI clients.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/syncer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// UI runs on the same machine only
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Event types pushed to clients.
const (
	EventEntityChanged   = "entity.changed"
	EventSyncConfirmed   = "sync.confirmed"
	EventSyncSuperseded  = "sync.superseded"
	EventSyncParked      = "sync.parked"
	EventConnectionState = "connection.state"
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one attached WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans events out to attached clients.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	// onReconnect handles the client "reconnect" command.
	onReconnect func()
}

// NewHub creates the hub and starts its fan-out loop. onReconnect is
// invoked when a client requests an immediate reconnection attempt.
func NewHub(onReconnect func()) *Hub {
	hub := &Hub{
		clients:     make(map[string]*Client),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		onReconnect: onReconnect,
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			zap.S().Debugf("WebSocket client connected: %s", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			zap.S().Debugf("WebSocket client disconnected: %s", client.id)

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client cannot keep up, drop it
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one event to every attached client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		zap.S().Errorf("Failed to marshal event: %v", err)
		return
	}
	select {
	case h.broadcast <- bytes:
	default:
	}
}

// BroadcastSyncEvent translates a dispatcher outcome into a push event.
func (h *Hub) BroadcastSyncEvent(e syncer.Event) {
	data := map[string]interface{}{
		"entity_type": e.Key.Type,
		"entity_id":   e.Key.ID,
	}
	if e.Message != "" {
		data["message"] = e.Message
	}
	if len(e.Discarded) > 0 {
		data["discarded"] = json.RawMessage(e.Discarded)
	}
	switch e.Kind {
	case syncer.EventSynced:
		h.Broadcast(EventSyncConfirmed, data)
	case syncer.EventSuperseded:
		h.Broadcast(EventSyncSuperseded, data)
	case syncer.EventParked:
		h.Broadcast(EventSyncParked, data)
	}
}

// BroadcastEntityChanged announces a remotely originated cache refresh.
func (h *Hub) BroadcastEntityChanged(key models.Key) {
	h.Broadcast(EventEntityChanged, map[string]interface{}{
		"entity_type": key.Type,
		"entity_id":   key.ID,
	})
}

// BroadcastConnectionState announces a connection state transition.
func (h *Hub) BroadcastConnectionState(state monitor.State) {
	h.Broadcast(EventConnectionState, map[string]interface{}{
		"state": state,
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.S().Debugf("WebSocket read error: %v", err)
			}
			return
		}
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "reconnect" && c.hub.onReconnect != nil {
			c.hub.onReconnect()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades a connection and attaches it to the hub.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			zap.S().Warnf("WebSocket upgrade failed: %v", err)
			return
		}
		client := &Client{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- client
		go client.writePump()
		go client.readPump()
	}
}
