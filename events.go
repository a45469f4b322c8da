package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"droidpilot/pkg/logger"
	"droidpilot/pkg/types"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = (eventPongWait * 9) / 10
	eventSendBuffer = 256
)

// Event is one message pushed to /v1/events subscribers
type Event struct {
	Type      string      `json:"type"`
	DeviceID  string      `json:"deviceId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// eventClient is one websocket subscriber
type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
}

// EventHub fans connection transitions and execution results out to
// websocket clients. Publishing never blocks: a client whose buffer is full
// misses the event.
type EventHub struct {
	devices  func() []types.DeviceStatus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*eventClient]bool
	closed  bool
}

// NewEventHub creates a hub. devices supplies the snapshot sent to each new
// client. originAllowed validates the Origin header on upgrade requests.
func NewEventHub(devices func() []types.DeviceStatus, originAllowed func(string) bool) *EventHub {
	return &EventHub{
		devices: devices,
		clients: make(map[*eventClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishTransition is a health monitor subscriber
func (h *EventHub) PublishTransition(tr types.Transition) {
	h.publish(Event{Type: "transition", DeviceID: tr.DeviceID, Data: tr, Timestamp: tr.At})
}

// PublishExecution announces a finished action
func (h *EventHub) PublishExecution(result types.ExecutionResult) {
	h.publish(Event{Type: "execution", DeviceID: result.DeviceID, Data: result, Timestamp: time.Now()})
}

func (h *EventHub) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("events").Err(err).Str("type", ev.Type).Msg("Error marshaling event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Client's send channel is full, skip
		}
	}
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWebSocket upgrades the request and streams events until the client leaves
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("events").Err(err).Msg("WebSocket upgrade error")
		return
	}

	c := &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, eventSendBuffer),
		hub:  h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	logger.Debug("events").Str("client", c.id).Msg("Event client connected")

	c.sendDevices()
	go c.writePump()
	go c.readPump()
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		logger.Debug("events").Str("client", c.id).Msg("Event client disconnected")
	}
}

// sendDevices queues the current device list for one client
func (c *eventClient) sendDevices() {
	if c.hub.devices == nil {
		return
	}
	payload, err := json.Marshal(Event{Type: "devices", Data: c.hub.devices(), Timestamp: time.Now()})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// readPump drains client messages. A {"type":"list"} message asks for the
// device list again; anything else is ignored.
func (c *eventClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("events").Err(err).Str("client", c.id).Msg("WebSocket error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err == nil && msg.Type == "list" {
			c.sendDevices()
		}
	}
}

// writePump sends queued events and keeps the connection alive with pings
func (c *eventClient) writePump() {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
