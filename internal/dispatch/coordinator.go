// Package dispatch owns the lifecycle of delivery tasks: creating them for
// in-house drivers or courier providers, and moving them through the
// normalized status graph.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/providers"
)

// Geocoder resolves a postal address to coordinates
type Geocoder interface {
	Geocode(ctx context.Context, addr models.Address) (models.Coordinates, error)
}

// TaskEvent describes a change to a task
type TaskEvent struct {
	Task     models.DeliveryTask
	Previous models.DeliveryStatus // empty for a new task
	// DriverLost is set when the in-house driver went offline mid-delivery
	DriverLost bool
}

// TaskListener is called synchronously, in order, for every task change. It
// must not call back into the Coordinator.
type TaskListener func(ev TaskEvent)

// Options wires a Coordinator. Presence, Gateway and Tasks are required.
type Options struct {
	Presence *presence.Store
	Gateway  *providers.Gateway
	Tasks    TaskRepository
	Geocoder Geocoder
	Now      func() time.Time
	NewID    func() string
}

// Coordinator is the single writer of delivery task state
type Coordinator struct {
	presence *presence.Store
	gateway  *providers.Gateway
	tasks    TaskRepository
	geocoder Geocoder
	now      func() time.Time
	newID    func() string

	orderLocks *keyedMutex
	taskLocks  *keyedMutex
	listeners  []TaskListener
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		presence:   opts.Presence,
		gateway:    opts.Gateway,
		tasks:      opts.Tasks,
		geocoder:   opts.Geocoder,
		now:        opts.Now,
		newID:      opts.NewID,
		orderLocks: newKeyedMutex(),
		taskLocks:  newKeyedMutex(),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.presence.OnOrphan(c.handleOrphan)
	return c
}

// AddListener registers l for every future task change. Not safe to call
// once the coordinator is serving requests.
func (c *Coordinator) AddListener(l TaskListener) {
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) notify(ev TaskEvent) {
	for _, l := range c.listeners {
		l(ev)
	}
}

// DispatchRequest asks for an order to be delivered
type DispatchRequest struct {
	TenantID        string                 `json:"-"`
	OrderID         string                 `json:"order_id"`
	Pickup          models.Stop            `json:"pickup"`
	Dropoff         models.Stop            `json:"dropoff"`
	OrderValueCents int64                  `json:"order_value_cents"`
	TipCents        int64                  `json:"tip_cents"`
	Currency        string                 `json:"currency,omitempty"`
	Mode            models.FulfillmentMode `json:"fulfillment_mode"`
	DriverID        string                 `json:"driver_id,omitempty"`
	ProviderID      models.ProviderID      `json:"provider_id,omitempty"`
	QuoteID         string                 `json:"quote_id,omitempty"`
	PreviousTaskID  *string                `json:"-"`
}

// Validate checks the request is complete for its fulfillment mode
func (r DispatchRequest) Validate() error {
	if r.TenantID == "" || r.OrderID == "" {
		return fmt.Errorf("%w: tenant and order are required", apperrors.ErrInvalidRequest)
	}
	switch r.Mode {
	case models.FulfillmentInHouse:
		if r.DriverID == "" {
			return fmt.Errorf("%w: driver_id is required for in-house delivery", apperrors.ErrInvalidRequest)
		}
	case models.FulfillmentProvider:
		if r.ProviderID == "" {
			return fmt.Errorf("%w: provider_id is required for provider delivery", apperrors.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown fulfillment mode %q", apperrors.ErrInvalidRequest, r.Mode)
	}
	return nil
}

// ProviderRequest converts the dispatch request to a provider request
func (r DispatchRequest) ProviderRequest(externalID string) providers.DeliveryRequest {
	return providers.DeliveryRequest{
		ExternalID:      externalID,
		TenantID:        r.TenantID,
		OrderID:         r.OrderID,
		Pickup:          r.Pickup,
		Dropoff:         r.Dropoff,
		OrderValueCents: r.OrderValueCents,
		TipCents:        r.TipCents,
		QuoteID:         r.QuoteID,
		Currency:        r.Currency,
	}
}

// DispatchOrder starts a delivery attempt. In-house requests claim the named
// driver; provider requests book a courier. The order must not already have
// an active task.
func (c *Coordinator) DispatchOrder(ctx context.Context, req DispatchRequest) (models.DeliveryTask, error) {
	if err := req.Validate(); err != nil {
		return models.DeliveryTask{}, err
	}

	unlock := c.orderLocks.Lock(req.TenantID + "/" + req.OrderID)
	defer unlock()

	if active, err := c.tasks.ActiveForOrder(ctx, req.TenantID, req.OrderID); err == nil {
		return models.DeliveryTask{}, fmt.Errorf("%w: order %s has task %s", apperrors.ErrActiveTaskExists, req.OrderID, active.ID)
	} else if !errors.Is(err, apperrors.ErrTaskNotFound) {
		return models.DeliveryTask{}, err
	}

	c.geocodeStops(ctx, &req)

	now := c.now()
	task := models.DeliveryTask{
		ID:              c.newID(),
		TenantID:        req.TenantID,
		OrderID:         req.OrderID,
		PreviousTaskID:  req.PreviousTaskID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		OrderValueCents: req.OrderValueCents,
		TipCents:        req.TipCents,
		Mode:            req.Mode,
		Status:          models.DeliveryStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	if req.Mode == models.FulfillmentInHouse {
		err = c.dispatchInHouse(ctx, req, &task)
	} else {
		err = c.dispatchProvider(ctx, req, &task)
	}
	if err != nil {
		return models.DeliveryTask{}, err
	}

	logrus.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"order_id": task.OrderID,
		"mode":     task.Mode,
		"status":   task.Status,
	}).Info("🚚 Delivery dispatched")
	c.notify(TaskEvent{Task: task})
	return task, nil
}

func (c *Coordinator) dispatchInHouse(ctx context.Context, req DispatchRequest, task *models.DeliveryTask) error {
	key := models.DriverKey{TenantID: req.TenantID, DriverID: req.DriverID}
	if _, err := c.presence.Assign(ctx, key, req.OrderID); err != nil {
		return fmt.Errorf("assign driver %s: %w", req.DriverID, err)
	}
	task.DriverID = req.DriverID
	task.Status = models.DeliveryStatusAssigned

	if err := c.tasks.Create(ctx, *task); err != nil {
		if _, rerr := c.presence.Release(ctx, key, req.OrderID); rerr != nil {
			logrus.WithError(rerr).WithField("driver", key.String()).Error("❌ Failed to release driver after task insert failed")
		}
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// dispatchProvider books the courier and records it. Both steps outlive the
// caller's context: a booking may exist once CreateDelivery has been sent.
func (c *Coordinator) dispatchProvider(ctx context.Context, req DispatchRequest, task *models.DeliveryTask) error {
	ctx = context.WithoutCancel(ctx)
	pd, err := c.gateway.CreateDelivery(ctx, req.ProviderID, req.ProviderRequest(task.ID))
	if err != nil {
		return fmt.Errorf("create %s delivery: %w", req.ProviderID, err)
	}
	task.ProviderID = req.ProviderID
	task.ProviderDeliveryID = pd.ProviderDeliveryID
	task.QuoteID = req.QuoteID
	task.Status = pd.Status
	task.FeeCents = pd.FeeCents
	task.TrackingURL = pd.TrackingURL
	task.Courier = pd.Courier

	if err := c.tasks.Create(ctx, *task); err != nil {
		// The courier is booked but we have no record of it; undo the booking.
		if cerr := c.gateway.Cancel(ctx, req.ProviderID, pd.ProviderDeliveryID); cerr != nil {
			logrus.WithError(cerr).WithFields(logrus.Fields{
				"provider":             req.ProviderID,
				"provider_delivery_id": pd.ProviderDeliveryID,
			}).Error("❌ Failed to cancel unrecorded provider delivery")
		}
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (c *Coordinator) geocodeStops(ctx context.Context, req *DispatchRequest) {
	if c.geocoder == nil {
		return
	}
	for _, addr := range []*models.Address{&req.Pickup.Address, &req.Dropoff.Address} {
		if addr.Coordinates != nil || addr.Street == "" {
			continue
		}
		coords, err := c.geocoder.Geocode(ctx, *addr)
		if err != nil {
			logrus.WithError(err).WithField("order_id", req.OrderID).Warn("⚠️ Geocoding failed, continuing without coordinates")
			continue
		}
		addr.Coordinates = &coords
	}
}

// Event is a status report for a task from any source
type Event struct {
	Status      models.DeliveryStatus
	Courier     *models.Courier
	TrackingURL string
	Source      string
}

// Advance applies an event to a task. The status only moves forward along
// the normalized graph; repeated or out-of-order events leave it unchanged,
// and nothing moves a task out of a terminal status. cancelled and returned
// are accepted from any non-terminal status.
func (c *Coordinator) Advance(ctx context.Context, taskID string, ev Event) (models.DeliveryTask, error) {
	if !ev.Status.Valid() {
		return models.DeliveryTask{}, fmt.Errorf("%w: unknown delivery status %q", apperrors.ErrInvalidRequest, ev.Status)
	}

	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return models.DeliveryTask{}, err
	}

	prev := task.Status
	moves := prev.AdvancesTo(ev.Status)
	details := mergeDetails(&task, ev)
	if !moves && !details {
		return task, nil
	}

	if moves {
		task.Status = ev.Status
	}
	task.UpdatedAt = c.now()
	if err := c.tasks.Update(ctx, task); err != nil {
		return models.DeliveryTask{}, fmt.Errorf("save task: %w", err)
	}

	if moves {
		logrus.WithFields(logrus.Fields{
			"task_id": task.ID,
			"from":    prev,
			"to":      task.Status,
			"source":  ev.Source,
		}).Info("📦 Delivery status advanced")
		if task.Mode == models.FulfillmentInHouse {
			c.syncDriver(ctx, task)
		}
	}
	c.notify(TaskEvent{Task: task, Previous: prev})
	return task, nil
}

func mergeDetails(task *models.DeliveryTask, ev Event) bool {
	changed := false
	if ev.TrackingURL != "" && ev.TrackingURL != task.TrackingURL {
		task.TrackingURL = ev.TrackingURL
		changed = true
	}
	if ev.Courier != nil {
		merged := models.Courier{}
		if task.Courier != nil {
			merged = *task.Courier
		}
		if ev.Courier.Name != "" {
			merged.Name = ev.Courier.Name
		}
		if ev.Courier.Phone != "" {
			merged.Phone = ev.Courier.Phone
		}
		if ev.Courier.Location != nil {
			loc := *ev.Courier.Location
			merged.Location = &loc
		}
		if task.Courier == nil || !sameCourier(*task.Courier, merged) {
			task.Courier = &merged
			changed = true
		}
	}
	return changed
}

func sameCourier(a, b models.Courier) bool {
	if a.Name != b.Name || a.Phone != b.Phone {
		return false
	}
	if a.Location == nil || b.Location == nil {
		return a.Location == b.Location
	}
	return *a.Location == *b.Location
}

// syncDriver keeps the in-house driver's presence in step with a task moved
// by someone other than the driver, e.g. a dispatcher override
func (c *Coordinator) syncDriver(ctx context.Context, task models.DeliveryTask) {
	key := task.DriverKey()
	if task.Status.IsTerminal() {
		if _, err := c.presence.Release(ctx, key, task.OrderID); err != nil && !errors.Is(err, apperrors.ErrDriverNotFound) {
			logrus.WithError(err).WithField("driver", key.String()).Warn("⚠️ Failed to release driver")
		}
		return
	}

	var path []models.DriverStatus
	switch task.Status {
	case models.DeliveryStatusPickingUp:
		path = []models.DriverStatus{models.DriverStatusAtPickup}
	case models.DeliveryStatusPickedUp, models.DeliveryStatusDelivering:
		path = []models.DriverStatus{models.DriverStatusAtPickup, models.DriverStatusDelivering}
	default:
		return
	}

	for _, next := range path {
		cur, ok := c.presence.Get(key)
		if !ok || cur.OrderID() != task.OrderID {
			return
		}
		if cur.Status == next || (cur.Status == models.DriverStatusDelivering && next == models.DriverStatusAtPickup) {
			continue
		}
		if _, err := c.presence.SetStatus(ctx, key, next); err != nil {
			logrus.WithError(err).WithField("driver", key.String()).Debug("Driver status not synced")
			return
		}
	}
}

// Cancel stops a delivery that has not been collected yet. Cancelling a
// cancelled task returns it unchanged; anything from picked_up onwards fails
// with ErrTooLateToCancel.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (models.DeliveryTask, error) {
	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, ev, err := c.cancelLocked(ctx, taskID)
	if ev != nil {
		c.notify(*ev)
	}
	return task, err
}

// cancelLocked does the work of Cancel under the task lock and returns the
// event to announce, if any
func (c *Coordinator) cancelLocked(ctx context.Context, taskID string) (models.DeliveryTask, *TaskEvent, error) {
	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return models.DeliveryTask{}, nil, err
	}
	if task.Status == models.DeliveryStatusCancelled {
		return task, nil, nil
	}
	if !task.Status.Cancellable() {
		return task, nil, fmt.Errorf("%w: task %s is %s", apperrors.ErrTooLateToCancel, task.ID, task.Status)
	}

	switch task.Mode {
	case models.FulfillmentProvider:
		if err := c.gateway.Cancel(ctx, task.ProviderID, task.ProviderDeliveryID); err != nil {
			return task, nil, fmt.Errorf("cancel %s delivery: %w", task.ProviderID, err)
		}
	case models.FulfillmentInHouse:
		if _, err := c.presence.Release(ctx, task.DriverKey(), task.OrderID); err != nil && !errors.Is(err, apperrors.ErrDriverNotFound) {
			return task, nil, fmt.Errorf("release driver: %w", err)
		}
	}

	prev := task.Status
	task.Status = models.DeliveryStatusCancelled
	task.UpdatedAt = c.now()
	if err := c.tasks.Update(ctx, task); err != nil {
		return models.DeliveryTask{}, nil, fmt.Errorf("save task: %w", err)
	}

	logrus.WithFields(logrus.Fields{"task_id": task.ID, "from": prev}).Info("🛑 Delivery cancelled")
	return task, &TaskEvent{Task: task, Previous: prev}, nil
}

// RedispatchRequest selects how the replacement attempt is fulfilled
type RedispatchRequest struct {
	Mode       models.FulfillmentMode `json:"fulfillment_mode"`
	DriverID   string                 `json:"driver_id,omitempty"`
	ProviderID models.ProviderID      `json:"provider_id,omitempty"`
	QuoteID    string                 `json:"quote_id,omitempty"`
}

// Redispatch replaces a task with a new attempt for the same order. An
// active previous task is cancelled first, so it must still be cancellable.
// The cancellation is announced after the replacement is created.
func (c *Coordinator) Redispatch(ctx context.Context, previousTaskID string, sel RedispatchRequest) (models.DeliveryTask, error) {
	prev, err := c.tasks.Get(ctx, previousTaskID)
	if err != nil {
		return models.DeliveryTask{}, err
	}
	if prev.Status == models.DeliveryStatusDelivered {
		return models.DeliveryTask{}, fmt.Errorf("%w: task %s was delivered", apperrors.ErrInvalidTransition, prev.ID)
	}
	if !prev.Status.IsTerminal() {
		var cancelled *TaskEvent
		unlock := c.taskLocks.Lock(previousTaskID)
		prev, cancelled, err = c.cancelLocked(ctx, previousTaskID)
		unlock()
		if err != nil {
			return models.DeliveryTask{}, err
		}
		// A cancelled task has no later events to order against
		if cancelled != nil {
			defer c.notify(*cancelled)
		}
	}

	prevID := prev.ID
	return c.DispatchOrder(ctx, DispatchRequest{
		TenantID:        prev.TenantID,
		OrderID:         prev.OrderID,
		Pickup:          prev.Pickup,
		Dropoff:         prev.Dropoff,
		OrderValueCents: prev.OrderValueCents,
		TipCents:        prev.TipCents,
		Mode:            sel.Mode,
		DriverID:        sel.DriverID,
		ProviderID:      sel.ProviderID,
		QuoteID:         sel.QuoteID,
		PreviousTaskID:  &prevID,
	})
}

// Task returns one task
func (c *Coordinator) Task(ctx context.Context, id string) (models.DeliveryTask, error) {
	return c.tasks.Get(ctx, id)
}

// TasksForOrder returns every attempt for an order, oldest first
func (c *Coordinator) TasksForOrder(ctx context.Context, tenantID, orderID string) ([]models.DeliveryTask, error) {
	return c.tasks.ListForOrder(ctx, tenantID, orderID)
}

// Quotes compares provider prices for a prospective delivery
func (c *Coordinator) Quotes(ctx context.Context, req DispatchRequest, ids []models.ProviderID) providers.QuoteResult {
	c.geocodeStops(ctx, &req)
	return c.gateway.GetDeliveryQuotes(ctx, req.ProviderRequest(""), ids)
}
