package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

// driverToTask maps a driver-app status to the task status it implies
var driverToTask = map[models.DriverStatus]models.DeliveryStatus{
	models.DriverStatusAtPickup:   models.DeliveryStatusPickingUp,
	models.DriverStatusDelivering: models.DeliveryStatusDelivering,
}

// ReportDriverStatus is the entry point for status pushes from the driver
// app. It moves the driver's presence and advances the in-house task the
// driver is carrying; returning to idle from delivering completes it.
func (c *Coordinator) ReportDriverStatus(ctx context.Context, key models.DriverKey, status models.DriverStatus) (models.DriverSession, error) {
	before, _ := c.presence.Get(key)

	snap, err := c.presence.SetStatus(ctx, key, status)
	if err != nil {
		return snap, err
	}

	orderID := before.OrderID()
	if orderID == "" || before.Status == snap.Status {
		return snap, nil
	}

	target, ok := driverToTask[status]
	if status == models.DriverStatusIdle && before.Status == models.DriverStatusDelivering {
		target, ok = models.DeliveryStatusDelivered, true
	}
	if !ok {
		return snap, nil
	}

	task, err := c.tasks.ActiveForOrder(ctx, key.TenantID, orderID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrTaskNotFound) {
			logrus.WithError(err).WithField("order_id", orderID).Error("❌ Failed to load task for driver status")
		}
		return snap, nil
	}
	if task.Mode != models.FulfillmentInHouse || task.DriverID != key.DriverID {
		return snap, nil
	}

	if _, err := c.Advance(ctx, task.ID, Event{Status: target, Source: "driver"}); err != nil {
		return snap, fmt.Errorf("advance task %s: %w", task.ID, err)
	}
	return snap, nil
}

// HandleWebhook authenticates a provider notification and applies it to the
// task it refers to. Replays are harmless because Advance is idempotent.
func (c *Coordinator) HandleWebhook(ctx context.Context, provider models.ProviderID, headers http.Header, body []byte) (models.DeliveryTask, error) {
	ev, err := c.gateway.ParseWebhook(provider, headers, body)
	if err != nil {
		return models.DeliveryTask{}, err
	}

	task, err := c.tasks.FindByProviderDelivery(ctx, provider, ev.ProviderDeliveryID)
	if errors.Is(err, apperrors.ErrTaskNotFound) && ev.ExternalID != "" {
		task, err = c.tasks.Get(ctx, ev.ExternalID)
		if err == nil && task.ProviderID != provider {
			err = fmt.Errorf("%w: %s delivery %s", apperrors.ErrTaskNotFound, provider, ev.ProviderDeliveryID)
		}
	}
	if err != nil {
		return models.DeliveryTask{}, err
	}

	return c.Advance(ctx, task.ID, Event{
		Status:      ev.Status,
		Courier:     ev.Courier,
		TrackingURL: ev.TrackingURL,
		Source:      string(provider) + " webhook",
	})
}

// handleOrphan flags the task of a driver who went offline mid-delivery.
// The task keeps its status; a dispatcher decides whether to redispatch.
func (c *Coordinator) handleOrphan(key models.DriverKey, orderID string) {
	task, err := c.tasks.ActiveForOrder(context.Background(), key.TenantID, orderID)
	if err != nil || task.Mode != models.FulfillmentInHouse || task.DriverID != key.DriverID {
		return
	}
	logrus.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"order_id": orderID,
		"driver":   key.String(),
	}).Warn("⚠️ Driver lost during delivery, task needs redispatch")
	c.notify(TaskEvent{Task: task, Previous: task.Status, DriverLost: true})
}
