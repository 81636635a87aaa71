package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

// MemoryRepository keeps tasks in process, for tests and tools that run
// without PostgreSQL.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]models.DeliveryTask
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]models.DeliveryTask)}
}

func (r *MemoryRepository) Create(ctx context.Context, task models.DeliveryTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if !task.Status.IsTerminal() {
		for _, t := range r.tasks {
			if t.TenantID == task.TenantID && t.OrderID == task.OrderID && !t.Status.IsTerminal() {
				return fmt.Errorf("%w: order %s has task %s", apperrors.ErrActiveTaskExists, task.OrderID, t.ID)
			}
		}
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, task models.DeliveryTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrTaskNotFound, task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (models.DeliveryTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return models.DeliveryTask{}, fmt.Errorf("%w: %s", apperrors.ErrTaskNotFound, id)
	}
	return t, nil
}

func (r *MemoryRepository) ActiveForOrder(ctx context.Context, tenantID, orderID string) (models.DeliveryTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.TenantID == tenantID && t.OrderID == orderID && !t.Status.IsTerminal() {
			return t, nil
		}
	}
	return models.DeliveryTask{}, fmt.Errorf("%w: no active task for order %s", apperrors.ErrTaskNotFound, orderID)
}

func (r *MemoryRepository) ListForOrder(ctx context.Context, tenantID, orderID string) ([]models.DeliveryTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.DeliveryTask
	for _, t := range r.tasks {
		if t.TenantID == tenantID && t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) FindByProviderDelivery(ctx context.Context, provider models.ProviderID, providerDeliveryID string) (models.DeliveryTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.ProviderID == provider && t.ProviderDeliveryID == providerDeliveryID {
			return t, nil
		}
	}
	return models.DeliveryTask{}, fmt.Errorf("%w: %s delivery %s", apperrors.ErrTaskNotFound, provider, providerDeliveryID)
}
