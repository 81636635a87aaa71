package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-backend/internal/tracking"
	"dispatch-backend/pkg/utils"
)

// TrackOrder returns the customer-facing view of an order's delivery
func TrackOrder(facade *tracking.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := facade.Snapshot(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "orderId"))
		if err != nil {
			utils.RespondErr(w, err)
			return
		}
		respondData(w, http.StatusOK, view)
	}
}

// Health reports liveness
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}
}
