package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/models"
)

// Hub tracks connected sockets and fans messages out to them
type Hub struct {
	clients map[*Client]struct{}
	// Open sockets per driver; the driver goes offline when the last closes
	drivers map[models.DriverKey]int

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	// Called, off the hub goroutine, once a driver's last socket is gone
	onDriverGone func(models.DriverKey)

	mu   sync.RWMutex
	done chan struct{}
}

// Message targets one tenant, optionally narrowed to one user or to roles
type Message struct {
	TenantID string
	UserID   string
	Roles    []string
	Data     interface{}
}

func (m *Message) matches(c *Client) bool {
	if c.TenantID != m.TenantID {
		return false
	}
	if m.UserID != "" && c.UserID != m.UserID {
		return false
	}
	if len(m.Roles) == 0 {
		return true
	}
	for _, r := range m.Roles {
		if c.UserRole == r {
			return true
		}
	}
	return false
}

// Envelope is the wire format of every server-sent message
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func NewHub(onDriverGone func(models.DriverKey)) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		drivers:      make(map[models.DriverKey]int),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		onDriverGone: onDriverGone,
		done:         make(chan struct{}),
	}
}

// Run is the hub's main loop; it returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			if client.isDriver() {
				h.drivers[client.driverKey()]++
			}
			total := len(h.clients)
			h.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"tenant_id": client.TenantID,
				"user_id":   client.UserID,
				"role":      client.UserRole,
				"clients":   total,
			}).Info("✅ [WEBSOCKET] Client connected")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			data, err := json.Marshal(message.Data)
			if err != nil {
				logrus.WithError(err).Error("❌ Failed to marshal message")
				continue
			}
			var slow []*Client
			h.mu.RLock()
			for c := range h.clients {
				if !message.matches(c) {
					continue
				}
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				logrus.WithField("user_id", c.UserID).Warn("⚠️ Client buffer full, disconnecting")
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)

	lastDriverSocket := false
	if client.isDriver() {
		key := client.driverKey()
		h.drivers[key]--
		if h.drivers[key] <= 0 {
			delete(h.drivers, key)
			lastDriverSocket = true
		}
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"tenant_id": client.TenantID,
		"user_id":   client.UserID,
		"role":      client.UserRole,
		"clients":   remaining,
	}).Info("🔴 [WEBSOCKET] Client disconnected")

	if lastDriverSocket && h.onDriverGone != nil {
		go h.onDriverGone(client.driverKey())
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Send queues a message. It drops the message when the hub is saturated.
func (h *Hub) Send(m *Message) {
	select {
	case h.broadcast <- m:
	default:
		logrus.WithField("tenant_id", m.TenantID).Warn("⚠️ Hub queue full, dropping message")
	}
}

// BroadcastToRole sends data to every connected user of the tenant with one of the roles
func (h *Hub) BroadcastToRole(tenantID string, data interface{}, roles ...string) {
	h.Send(&Message{TenantID: tenantID, Roles: roles, Data: data})
}

// SendToUser sends data to every socket of one user
func (h *Hub) SendToUser(tenantID, userID string, data interface{}) {
	h.Send(&Message{TenantID: tenantID, UserID: userID, Data: data})
}

var dispatcherRoles = []string{middleware.RoleDispatcher, middleware.RoleAdmin}

// HandlePresence is a presence.Listener feeding dispatcher dashboards
func (h *Hub) HandlePresence(s models.DriverSession) {
	h.BroadcastToRole(s.TenantID, Envelope{Type: "driver_update", Data: s}, dispatcherRoles...)
}

// TaskUpdate is the payload of a task_update message
type TaskUpdate struct {
	Task           models.DeliveryTask   `json:"task"`
	PreviousStatus models.DeliveryStatus `json:"previous_status,omitempty"`
	DriverLost     bool                  `json:"driver_lost,omitempty"`
}

// HandleTaskEvent is a dispatch.TaskListener. Dispatchers see every task;
// an in-house driver also receives updates to the task they carry.
func (h *Hub) HandleTaskEvent(ev dispatch.TaskEvent) {
	msg := Envelope{Type: "task_update", Data: TaskUpdate{
		Task:           ev.Task,
		PreviousStatus: ev.Previous,
		DriverLost:     ev.DriverLost,
	}}
	h.BroadcastToRole(ev.Task.TenantID, msg, dispatcherRoles...)
	if ev.Task.Mode == models.FulfillmentInHouse && ev.Task.DriverID != "" {
		h.Send(&Message{
			TenantID: ev.Task.TenantID,
			UserID:   ev.Task.DriverID,
			Roles:    []string{middleware.RoleDriver},
			Data:     msg,
		})
	}
}

// ClientCount returns the number of connected sockets
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsDriverConnected reports whether the driver has at least one open socket
func (h *Hub) IsDriverConnected(key models.DriverKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.drivers[key] > 0
}
