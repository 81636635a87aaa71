package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/tracking"
	"dispatch-backend/internal/websocket"
)

// Deps are the components the HTTP API serves
type Deps struct {
	Presence        *presence.Store
	Coordinator     *dispatch.Coordinator
	Tracking        *tracking.Facade
	Sockets         *websocket.Server
	JWTSecret       string
	AssumedSpeedMps float64
	AccessLog       bool
}

// NewRouter builds the full route table
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	if d.AccessLog {
		r.Use(chimiddleware.Logger)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", Health())

	// Provider callbacks authenticate with their own signatures
	r.Post("/webhooks/{provider}", ProviderWebhook(d.Coordinator))

	// Customer tracking is public; order ids are unguessable
	r.Get("/track/{tenantId}/orders/{orderId}", TrackOrder(d.Tracking))
	r.Get("/ws/track", d.Sockets.HandleTrackSocket())

	// Authenticated socket; token in query parameter
	r.Get("/ws", d.Sockets.HandleWebSocket())

	auth := middleware.Auth(d.JWTSecret)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(middleware.RequireRole(middleware.RoleDriver))

			r.Post("/driver/online", GoOnline(d.Presence))
			r.Post("/driver/offline", GoOffline(d.Presence))
			r.Post("/driver/location", UpdateLocation(d.Presence))
			r.Post("/driver/status", UpdateStatus(d.Coordinator))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(middleware.RequireRole(middleware.RoleDispatcher, middleware.RoleAdmin))

			r.Get("/dispatch/drivers", ListDrivers(d.Presence))
			r.Get("/dispatch/drivers/{id}", GetDriver(d.Presence))
			r.Get("/dispatch/eta", GetETA(d.Presence, d.AssumedSpeedMps))

			r.Post("/dispatch/quotes", GetQuotes(d.Coordinator))
			r.Post("/dispatch/orders", DispatchOrder(d.Coordinator))
			r.Get("/dispatch/orders/{orderId}/tasks", ListOrderTasks(d.Coordinator))

			r.Get("/dispatch/tasks/{id}", GetTask(d.Coordinator))
			r.Post("/dispatch/tasks/{id}/advance", AdvanceTask(d.Coordinator))
			r.Post("/dispatch/tasks/{id}/cancel", CancelTask(d.Coordinator))
			r.Post("/dispatch/tasks/{id}/redispatch", RedispatchTask(d.Coordinator))
		})
	})

	return r
}
