package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/tracking"
	"dispatch-backend/pkg/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sockets authenticate with a token, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds what socket handlers need
type Server struct {
	Hub         *Hub
	Presence    *presence.Store
	Coordinator *dispatch.Coordinator
	Tracking    *tracking.Facade
	JWTSecret   string
}

// DriverDisconnected marks a driver offline after their last socket closed
func DriverDisconnected(store *presence.Store) func(models.DriverKey) {
	return func(key models.DriverKey) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orphan, err := store.GoOffline(ctx, key)
		if err != nil {
			if !errors.Is(err, apperrors.ErrDriverNotFound) {
				logrus.WithError(err).WithField("driver", key.String()).Error("❌ Failed to mark driver offline")
			}
			return
		}
		logrus.WithFields(logrus.Fields{
			"driver":         key.String(),
			"orphaned_order": orphan,
		}).Info("🔴 Driver offline after socket disconnect")
	}
}

// HandleWebSocket upgrades an authenticated connection. The token comes from
// the token query parameter or, failing that, the Auth middleware.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			claims middleware.UserClaims
			err    error
		)
		if tokenString := r.URL.Query().Get("token"); tokenString != "" {
			claims, err = middleware.ParseToken(s.JWTSecret, tokenString)
			if err != nil {
				logrus.WithError(err).Info("❌ Invalid token in query parameter")
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		} else {
			var ok bool
			claims, ok = middleware.GetUserFromContext(r)
			if !ok {
				utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("❌ WebSocket upgrade failed")
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			TenantID: claims.TenantID,
			UserID:   claims.UserID,
			UserRole: claims.Role,
			conn:     conn,
			hub:      s.Hub,
			server:   s,
			send:     make(chan []byte, 256),
		}
		if !s.Hub.add(client) {
			conn.Close()
			return
		}
		if client.isDriver() {
			s.Presence.Touch(client.driverKey())
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

// HandleTrackSocket streams tracking views of one order until the delivery
// ends or the client goes away. Query: tenant_id, order_id.
func (s *Server) HandleTrackSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		orderID := r.URL.Query().Get("order_id")
		if tenantID == "" || orderID == "" {
			utils.RespondError(w, http.StatusBadRequest, "tenant_id and order_id are required")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		stream, err := s.Tracking.Track(ctx, tenantID, orderID)
		if err != nil {
			cancel()
			utils.RespondErr(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			stream.Close()
			cancel()
			logrus.WithError(err).Warn("❌ WebSocket upgrade failed")
			return
		}

		// Reader only watches for close; observers never send anything useful
		go func() {
			defer cancel()
			conn.SetReadLimit(512)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go writeTrackStream(ctx, cancel, conn, stream)
	}
}

func writeTrackStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, stream *tracking.Stream) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		stream.Close()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-stream.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "delivery finished"))
				return
			}
			if err := conn.WriteJSON(Envelope{Type: "tracking_update", Data: view}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
