package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/eta"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/pkg/utils"
)

// ListDrivers returns the live sessions of the caller's tenant
func ListDrivers(store *presence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		sessions := store.ListAll(claims.TenantID)
		if status := models.DriverStatus(r.URL.Query().Get("status")); status != "" {
			filtered := sessions[:0]
			for _, s := range sessions {
				if s.Status == status {
					filtered = append(filtered, s)
				}
			}
			sessions = filtered
		}
		respondData(w, http.StatusOK, sessions)
	}
}

// GetDriver returns one live session
func GetDriver(store *presence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		key := models.DriverKey{TenantID: claims.TenantID, DriverID: chi.URLParam(r, "id")}
		session, found := store.Get(key)
		if !found {
			utils.RespondErr(w, fmt.Errorf("%w: %s", apperrors.ErrDriverNotFound, key.DriverID))
			return
		}
		respondData(w, http.StatusOK, session)
	}
}

type quoteRequest struct {
	dispatch.DispatchRequest
	Providers []models.ProviderID `json:"providers"`
}

// GetQuotes compares provider fees for a prospective delivery. Providers
// that fail are listed separately and never fail the request.
func GetQuotes(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req quoteRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErr(w, err)
			return
		}
		req.TenantID = claims.TenantID

		result := coord.Quotes(r.Context(), req.DispatchRequest, req.Providers)
		respondData(w, http.StatusOK, result)
	}
}

// DispatchOrder starts a delivery for an order
func DispatchOrder(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req dispatch.DispatchRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErr(w, err)
			return
		}
		req.TenantID = claims.TenantID

		task, err := coord.DispatchOrder(r.Context(), req)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"tenant_id": req.TenantID,
				"order_id":  req.OrderID,
				"mode":      req.Mode,
			}).Info("❌ Dispatch rejected")
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusCreated, task)
	}
}

// ListOrderTasks returns every delivery attempt of an order, oldest first
func ListOrderTasks(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		tasks, err := coord.TasksForOrder(r.Context(), claims.TenantID, chi.URLParam(r, "orderId"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, tasks)
	}
}

func GetTask(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		task, err := tenantTask(r.Context(), coord, claims.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, task)
	}
}

// AdvanceTask applies a manual status event, e.g. a dispatcher marking an
// in-house delivery as delivered
func AdvanceTask(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req struct {
			Status      models.DeliveryStatus `json:"status"`
			Courier     *models.Courier       `json:"courier,omitempty"`
			TrackingURL string                `json:"tracking_url,omitempty"`
		}
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErr(w, err)
			return
		}

		task, err := tenantTask(r.Context(), coord, claims.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		task, err = coord.Advance(r.Context(), task.ID, dispatch.Event{
			Status:      req.Status,
			Courier:     req.Courier,
			TrackingURL: req.TrackingURL,
			Source:      "dispatcher " + claims.UserID,
		})
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, task)
	}
}

func CancelTask(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		task, err := tenantTask(r.Context(), coord, claims.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		task, err = coord.Cancel(r.Context(), task.ID)
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, task)
	}
}

// RedispatchTask replaces a failed or stuck attempt with a new one
func RedispatchTask(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req dispatch.RedispatchRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErr(w, err)
			return
		}

		prev, err := tenantTask(r.Context(), coord, claims.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		task, err := coord.Redispatch(r.Context(), prev.ID, req)
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusCreated, task)
	}
}

// GetETA estimates travel time between two points. from_lat/from_lng may be
// replaced by driver_id to start from the driver's last fix.
func GetETA(store *presence.Store, defaultSpeed float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		var from models.Coordinates
		if driverID := q.Get("driver_id"); driverID != "" {
			session, found := store.Get(models.DriverKey{TenantID: claims.TenantID, DriverID: driverID})
			if !found || session.Location == nil {
				utils.RespondErr(w, fmt.Errorf("%w: no location for driver %s", apperrors.ErrDriverNotFound, driverID))
				return
			}
			from = session.Location.Coordinates()
		} else {
			var err error
			if from, err = parseCoordinates(q.Get("from_lat"), q.Get("from_lng")); err != nil {
				utils.RespondErr(w, err)
				return
			}
		}
		to, err := parseCoordinates(q.Get("to_lat"), q.Get("to_lng"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}

		speed := defaultSpeed
		if s := q.Get("speed_mps"); s != "" {
			if speed, err = strconv.ParseFloat(s, 64); err != nil || speed <= 0 {
				utils.RespondErr(w, fmt.Errorf("%w: speed_mps must be positive", apperrors.ErrInvalidRequest))
				return
			}
		}

		respondData(w, http.StatusOK, map[string]interface{}{
			"distance_meters": eta.DistanceMeters(from, to),
			"eta_minutes":     eta.Minutes(from, to, speed),
			"speed_mps":       speed,
		})
	}
}

func parseCoordinates(lat, lng string) (models.Coordinates, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	ln, err2 := strconv.ParseFloat(lng, 64)
	c := models.Coordinates{Lat: la, Lng: ln}
	if err1 != nil || err2 != nil || !c.Valid() {
		return models.Coordinates{}, fmt.Errorf("%w: invalid coordinates %q,%q", apperrors.ErrInvalidRequest, lat, lng)
	}
	return c, nil
}
