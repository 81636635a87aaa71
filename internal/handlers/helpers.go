package handlers

import (
	"context"
	"fmt"
	"net/http"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/models"
	"dispatch-backend/pkg/utils"
)

func respondData(w http.ResponseWriter, status int, data interface{}) {
	utils.RespondJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// caller returns the authenticated user or writes a 401
func caller(w http.ResponseWriter, r *http.Request) (middleware.UserClaims, bool) {
	claims, ok := middleware.GetUserFromContext(r)
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return claims, ok
}

// tenantTask loads a task and hides tasks of other tenants behind a not-found
func tenantTask(ctx context.Context, coord *dispatch.Coordinator, tenantID, taskID string) (models.DeliveryTask, error) {
	task, err := coord.Task(ctx, taskID)
	if err != nil {
		return task, err
	}
	if task.TenantID != tenantID {
		return models.DeliveryTask{}, fmt.Errorf("%w: %s", apperrors.ErrTaskNotFound, taskID)
	}
	return task, nil
}
