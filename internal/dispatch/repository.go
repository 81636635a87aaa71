package dispatch

import (
	"context"

	"dispatch-backend/internal/models"
)

// TaskRepository stores delivery tasks. Create must refuse a second active
// task for the same order with apperrors.ErrActiveTaskExists; lookups of
// missing tasks return apperrors.ErrTaskNotFound.
type TaskRepository interface {
	Create(ctx context.Context, task models.DeliveryTask) error
	Update(ctx context.Context, task models.DeliveryTask) error
	Get(ctx context.Context, id string) (models.DeliveryTask, error)
	ActiveForOrder(ctx context.Context, tenantID, orderID string) (models.DeliveryTask, error)
	// ListForOrder returns every attempt for an order, oldest first
	ListForOrder(ctx context.Context, tenantID, orderID string) ([]models.DeliveryTask, error)
	FindByProviderDelivery(ctx context.Context, provider models.ProviderID, providerDeliveryID string) (models.DeliveryTask, error)
}
