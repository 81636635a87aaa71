package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
	"dispatch-backend/pkg/utils"
)

const maxWebhookBytes = 256 << 10

// ProviderWebhook applies a DoorDash or Uber status notification. Deliveries
// we do not know are acknowledged so the provider stops retrying them.
func ProviderWebhook(coord *dispatch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := models.ProviderID(chi.URLParam(r, "provider"))
		log := logrus.WithField("provider", provider)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Failed to read body")
			return
		}

		task, err := coord.HandleWebhook(r.Context(), provider, r.Header, body)
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{
				"task_id": task.ID,
				"status":  task.Status,
			}).Info("📬 Webhook applied")
			respondData(w, http.StatusOK, map[string]interface{}{
				"task_id": task.ID,
				"status":  task.Status,
			})
		case errors.Is(err, apperrors.ErrTaskNotFound):
			log.WithError(err).Warn("⚠️ Webhook for unknown delivery ignored")
			respondData(w, http.StatusOK, map[string]interface{}{"ignored": true})
		default:
			log.WithError(err).Warn("❌ Webhook rejected")
			utils.RespondErr(w, err)
		}
	}
}
