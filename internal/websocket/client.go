package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 2048

	// Bound on handling one inbound message
	handleTimeout = 15 * time.Second
)

// Client is one authenticated socket
type Client struct {
	ID       string
	TenantID string
	UserID   string
	UserRole string
	conn     *websocket.Conn
	hub      *Hub
	server   *Server
	send     chan []byte
}

// IncomingMessage is a message from the device
type IncomingMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type statusUpdate struct {
	Status models.DriverStatus `json:"status"`
}

type ackData struct {
	RequestID string               `json:"request_id,omitempty"`
	Session   models.DriverSession `json:"session"`
}

type errorData struct {
	RequestID string `json:"request_id,omitempty"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

func (c *Client) isDriver() bool {
	return c.UserRole == middleware.RoleDriver
}

func (c *Client) driverKey() models.DriverKey {
	return models.DriverKey{TenantID: c.TenantID, DriverID: c.UserID}
}

// reply sends directly to this socket. It is a no-op once the hub has
// dropped the client.
func (c *Client) reply(v Envelope) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("❌ Failed to marshal reply")
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ReadPump reads device messages until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.isDriver() {
			c.server.Presence.Touch(c.driverKey())
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("user_id", c.UserID).Warn("WebSocket error")
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.replyError("", apperrors.ErrInvalidRequest)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg IncomingMessage) {
	switch msg.Type {
	case "ping":
		c.reply(Envelope{Type: "pong", Data: map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}})
		return
	case "location_update", "status_update":
		if !c.isDriver() {
			c.replyError(msg.RequestID, errors.New("only drivers may publish "+msg.Type))
			return
		}
	default:
		logrus.WithField("type", msg.Type).Debug("Ignoring unknown message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var (
		session models.DriverSession
		err     error
	)
	switch msg.Type {
	case "location_update":
		var loc models.Location
		if err = json.Unmarshal(msg.Data, &loc); err != nil {
			c.replyError(msg.RequestID, apperrors.ErrInvalidRequest)
			return
		}
		session, err = c.server.Presence.UpdateLocation(ctx, c.driverKey(), loc)
		if err == nil {
			// Location pushes are frequent; only failures are answered
			return
		}
	case "status_update":
		var su statusUpdate
		if err = json.Unmarshal(msg.Data, &su); err != nil {
			c.replyError(msg.RequestID, apperrors.ErrInvalidRequest)
			return
		}
		session, err = c.server.Coordinator.ReportDriverStatus(ctx, c.driverKey(), su.Status)
	}

	if err != nil {
		c.replyError(msg.RequestID, err)
		return
	}
	c.reply(Envelope{Type: "ack", Data: ackData{RequestID: msg.RequestID, Session: session}})
}

func (c *Client) replyError(requestID string, err error) {
	c.reply(Envelope{Type: "error", Data: errorData{
		RequestID: requestID,
		Code:      apperrors.HTTPStatus(err),
		Message:   err.Error(),
	}})
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
