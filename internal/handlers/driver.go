package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/pkg/utils"
)

// GoOnline opens the caller's driver session and registers their push token
func GoOnline(store *presence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req struct {
			PushToken string `json:"push_token"`
		}
		if r.ContentLength != 0 {
			if err := utils.DecodeJSON(r, &req); err != nil {
				utils.RespondErr(w, err)
				return
			}
		}

		session, err := store.GoOnline(r.Context(), claims.DriverKey(), req.PushToken)
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		logrus.WithField("driver", claims.DriverKey().String()).Info("🟢 Driver online")
		respondData(w, http.StatusOK, session)
	}
}

// GoOffline ends the caller's session. An order the driver was carrying is
// returned so the app can warn the driver it needs reassignment.
func GoOffline(store *presence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		orphan, err := store.GoOffline(r.Context(), claims.DriverKey())
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"driver":         claims.DriverKey().String(),
			"orphaned_order": orphan,
		}).Info("🔴 Driver offline")
		respondData(w, http.StatusOK, map[string]interface{}{
			"orphaned_order_id": orphan,
		})
	}
}

// UpdateLocation accepts one GPS fix over HTTP, for devices without a socket
func UpdateLocation(store *presence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var loc models.Location
		if err := utils.DecodeJSON(r, &loc); err != nil {
			utils.RespondErr(w, err)
			return
		}

		session, err := store.UpdateLocation(r.Context(), claims.DriverKey(), loc)
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, session)
	}
}

// UpdateStatus moves the caller along the presence graph and advances the
// in-house task they carry
func UpdateStatus(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(w, r)
		if !ok {
			return
		}

		var req struct {
			Status models.DriverStatus `json:"status"`
		}
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErr(w, err)
			return
		}

		session, err := coord.ReportDriverStatus(r.Context(), claims.DriverKey(), req.Status)
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, session)
	}
}
