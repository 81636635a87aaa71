// Package tracking renders the progress of an order for customers. It only
// reads: in-house deliveries follow the driver's channel topics, provider
// deliveries are polled.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/eta"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/providers"
)

// DefaultPollInterval is how often provider deliveries are polled
const DefaultPollInterval = 12 * time.Second

// DriverView is the customer-safe part of a driver session
type DriverView struct {
	ID       string              `json:"id"`
	Status   models.DriverStatus `json:"status"`
	Location *models.Location    `json:"location,omitempty"`
}

// View is what a customer sees for one order
type View struct {
	TenantID    string                 `json:"tenant_id"`
	OrderID     string                 `json:"order_id"`
	TaskID      string                 `json:"task_id"`
	Mode        models.FulfillmentMode `json:"fulfillment_mode"`
	Provider    models.ProviderID      `json:"provider,omitempty"`
	Status      models.DeliveryStatus  `json:"status"`
	Driver      *DriverView            `json:"driver,omitempty"`
	Courier     *models.Courier        `json:"courier,omitempty"`
	TrackingURL string                 `json:"tracking_url,omitempty"`
	ETAMinutes  *int                   `json:"eta_minutes,omitempty"`
	// Stale is set when the latest provider poll failed and Status is the
	// last one known
	Stale     bool      `json:"stale,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options wires a Facade
type Options struct {
	Presence     *presence.Store
	Channel      channel.Channel
	Gateway      *providers.Gateway
	Tasks        dispatch.TaskRepository
	PollInterval time.Duration
	SpeedMps     float64
	Now          func() time.Time
}

// Facade resolves orders to their live data source
type Facade struct {
	presence     *presence.Store
	ch           channel.Channel
	gateway      *providers.Gateway
	tasks        dispatch.TaskRepository
	pollInterval time.Duration
	speed        float64
	now          func() time.Time

	watchMu  sync.Mutex
	watchers map[string]map[chan struct{}]struct{} // tenant/order -> open streams
}

func NewFacade(opts Options) *Facade {
	f := &Facade{
		presence:     opts.Presence,
		ch:           opts.Channel,
		gateway:      opts.Gateway,
		tasks:        opts.Tasks,
		pollInterval: opts.PollInterval,
		speed:        opts.SpeedMps,
		now:          opts.Now,
		watchers:     make(map[string]map[chan struct{}]struct{}),
	}
	if f.pollInterval <= 0 {
		f.pollInterval = DefaultPollInterval
	}
	if f.speed <= 0 {
		f.speed = eta.DefaultSpeedMps
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// currentTask is the order's latest attempt
func (f *Facade) currentTask(ctx context.Context, tenantID, orderID string) (models.DeliveryTask, error) {
	tasks, err := f.tasks.ListForOrder(ctx, tenantID, orderID)
	if err != nil {
		return models.DeliveryTask{}, err
	}
	if len(tasks) == 0 {
		return models.DeliveryTask{}, fmt.Errorf("%w: order %s has no delivery", apperrors.ErrTaskNotFound, orderID)
	}
	return tasks[len(tasks)-1], nil
}

// Snapshot returns the order's current view from stored state
func (f *Facade) Snapshot(ctx context.Context, tenantID, orderID string) (View, error) {
	task, err := f.currentTask(ctx, tenantID, orderID)
	if err != nil {
		return View{}, err
	}

	return f.taskSnapshot(task), nil
}

func (f *Facade) taskSnapshot(task models.DeliveryTask) View {
	v := f.taskView(task)
	if task.Mode == models.FulfillmentInHouse {
		if s, ok := f.presence.Get(task.DriverKey()); ok {
			f.applyDriver(&v, task, s.Status, s.Location)
		}
	}
	return v
}

func orderKey(tenantID, orderID string) string {
	return tenantID + "/" + orderID
}

// HandleTaskEvent wakes the streams open on the task's order. Register it
// with the coordinator; it never blocks.
func (f *Facade) HandleTaskEvent(ev dispatch.TaskEvent) {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	for w := range f.watchers[orderKey(ev.Task.TenantID, ev.Task.OrderID)] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (f *Facade) watch(tenantID, orderID string) (<-chan struct{}, func()) {
	key := orderKey(tenantID, orderID)
	w := make(chan struct{}, 1)

	f.watchMu.Lock()
	if f.watchers[key] == nil {
		f.watchers[key] = make(map[chan struct{}]struct{})
	}
	f.watchers[key][w] = struct{}{}
	f.watchMu.Unlock()

	return w, func() {
		f.watchMu.Lock()
		defer f.watchMu.Unlock()
		delete(f.watchers[key], w)
		if len(f.watchers[key]) == 0 {
			delete(f.watchers, key)
		}
	}
}

func (f *Facade) taskView(task models.DeliveryTask) View {
	return View{
		TenantID:    task.TenantID,
		OrderID:     task.OrderID,
		TaskID:      task.ID,
		Mode:        task.Mode,
		Provider:    task.ProviderID,
		Status:      task.Status,
		Courier:     task.Courier,
		TrackingURL: task.TrackingURL,
		UpdatedAt:   task.UpdatedAt,
	}
}

// applyDriver attaches the driver and an ETA to the task's next stop.
// Drivers no longer carrying this order are not shown.
func (f *Facade) applyDriver(v *View, task models.DeliveryTask, status models.DriverStatus, loc *models.Location) {
	if task.Status.IsTerminal() {
		return
	}
	v.Driver = &DriverView{ID: task.DriverID, Status: status, Location: loc}
	v.ETAMinutes = nil

	dest := task.NextStop().Address.Coordinates
	if loc == nil || dest == nil {
		return
	}
	speed := f.speed
	if loc.SpeedMps != nil && *loc.SpeedMps > 1 {
		speed = *loc.SpeedMps
	}
	m := eta.Minutes(loc.Coordinates(), *dest, speed)
	v.ETAMinutes = &m
}

// applyProvider merges a polled status. A poll never moves the view
// backwards, since webhooks may already have reported a later status.
func (f *Facade) applyProvider(v *View, pd providers.ProviderDelivery) {
	if v.Status.AdvancesTo(pd.Status) {
		v.Status = pd.Status
	}
	v.Stale = false
	if pd.Courier != nil {
		v.Courier = pd.Courier
	}
	if pd.TrackingURL != "" {
		v.TrackingURL = pd.TrackingURL
	}
	v.ETAMinutes = nil
	if !pd.DropoffETA.IsZero() && !v.Status.IsTerminal() {
		m := int(pd.DropoffETA.Sub(f.now()).Round(time.Minute) / time.Minute)
		if m < eta.MinimumMinutes {
			m = eta.MinimumMinutes
		}
		v.ETAMinutes = &m
	}
	v.UpdatedAt = f.now()
}
