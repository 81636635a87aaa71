package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/models"
)

// Stream delivers views of one order. C holds only the newest view and is
// closed once the delivery reaches a terminal status or Close is called.
type Stream struct {
	C <-chan View

	ch     chan View
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newStream(parent context.Context) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan View, 1)
	return &Stream{C: ch, ch: ch, cancel: cancel, done: make(chan struct{})}, ctx
}

// offer replaces any unread view with v. Only the stream goroutine sends.
func (s *Stream) offer(v View) {
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// Close stops the stream and waits for its goroutine to exit
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Track opens a live view of an order. The stream follows the order rather
// than one attempt: a redispatched order continues with its new task.
func (f *Facade) Track(ctx context.Context, tenantID, orderID string) (*Stream, error) {
	notify, unwatch := f.watch(tenantID, orderID)
	task, err := f.currentTask(ctx, tenantID, orderID)
	if err != nil {
		unwatch()
		return nil, err
	}
	view := f.taskSnapshot(task)

	stream, sctx := newStream(ctx)
	stream.offer(view)
	if task.Status.IsTerminal() {
		unwatch()
		stream.cancel()
		close(stream.done)
		close(stream.ch)
		return stream, nil
	}

	var subs *driverSubs
	if task.Mode == models.FulfillmentInHouse {
		if subs, err = f.subscribeDriver(sctx, task.DriverKey()); err != nil {
			unwatch()
			stream.cancel()
			return nil, err
		}
	}
	go f.run(sctx, stream, task, view, subs, notify, unwatch)
	return stream, nil
}

type driverSubs struct {
	loc    *channel.Subscription
	status *channel.Subscription
}

func (d *driverSubs) Close() {
	d.loc.Close()
	d.status.Close()
}

func (f *Facade) subscribeDriver(ctx context.Context, key models.DriverKey) (*driverSubs, error) {
	loc, err := f.ch.Subscribe(ctx, channel.LocationKey(key))
	if err != nil {
		return nil, err
	}
	status, err := f.ch.Subscribe(ctx, channel.StatusKey(key))
	if err != nil {
		loc.Close()
		return nil, err
	}
	return &driverSubs{loc: loc, status: status}, nil
}

func (f *Facade) run(ctx context.Context, s *Stream, task models.DeliveryTask, view View, subs *driverSubs, notify <-chan struct{}, unwatch func()) {
	defer close(s.done)
	defer close(s.ch)
	defer unwatch()

	for {
		var next *models.DeliveryTask
		if task.Mode == models.FulfillmentInHouse {
			next = f.followDriver(ctx, s, task, view, subs, notify)
			subs.Close()
		} else {
			next = f.pollProvider(ctx, s, task, view, notify)
		}
		if next == nil {
			return
		}

		logrus.WithFields(logrus.Fields{
			"order_id":  task.OrderID,
			"from_task": task.ID,
			"to_task":   next.ID,
		}).Info("🔁 Tracking moved to replacement delivery")
		task = *next
		view = f.taskSnapshot(task)
		s.offer(view)
		if task.Status.IsTerminal() {
			return
		}
		if task.Mode == models.FulfillmentInHouse {
			var err error
			if subs, err = f.subscribeDriver(ctx, task.DriverKey()); err != nil {
				logrus.WithError(err).WithField("task_id", task.ID).Warn("⚠️ Could not follow replacement driver")
				return
			}
		}
	}
}

// refresh re-reads the order. switched is set when a newer attempt replaced
// task, in which case the newer one is returned.
func (f *Facade) refresh(ctx context.Context, task models.DeliveryTask) (latest models.DeliveryTask, switched bool) {
	latest, err := f.currentTask(ctx, task.TenantID, task.OrderID)
	if err != nil {
		return task, false
	}
	return latest, latest.ID != task.ID
}

// followDriver streams one in-house task until it ends or is replaced. The
// task is re-read on driver status changes, coordinator events and every
// poll interval, so changes made while the driver is offline still arrive.
func (f *Facade) followDriver(ctx context.Context, s *Stream, task models.DeliveryTask, view View, subs *driverSubs, notify <-chan struct{}) *models.DeliveryTask {
	var (
		status models.DriverStatus
		loc    *models.Location
	)
	if view.Driver != nil {
		status, loc = view.Driver.Status, view.Driver.Location
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		reload := false
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-subs.loc.C:
			if !ok {
				return nil
			}
			if u.Location != nil {
				loc = u.Location
			}
		case u, ok := <-subs.status.C:
			if !ok {
				return nil
			}
			if u.Status != nil {
				status = *u.Status
			}
			reload = true
		case <-notify:
			reload = true
		case <-ticker.C:
			reload = true
		}

		if reload {
			t, switched := f.refresh(ctx, task)
			if switched {
				return &t
			}
			task = t
		}

		v := f.taskView(task)
		f.applyDriver(&v, task, status, loc)
		s.offer(v)
		if task.Status.IsTerminal() {
			return nil
		}
	}
}

// pollProvider streams one provider task. Stored changes (webhooks, cancel,
// redispatch) are picked up on coordinator events and before every poll.
func (f *Facade) pollProvider(ctx context.Context, s *Stream, task models.DeliveryTask, view View, notify <-chan struct{}) *models.DeliveryTask {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		poll := false
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll = true
		case <-notify:
		}

		t, switched := f.refresh(ctx, task)
		if switched {
			return &t
		}
		task = t
		if view.Status.AdvancesTo(task.Status) {
			view.Status = task.Status
			view.UpdatedAt = task.UpdatedAt
		}
		if view.Status.IsTerminal() {
			view.ETAMinutes = nil
			s.offer(view)
			return nil
		}
		if !poll {
			s.offer(view)
			continue
		}

		pd, err := f.gateway.GetStatus(ctx, task.ProviderID, task.ProviderDeliveryID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"task_id":  task.ID,
				"provider": task.ProviderID,
			}).Warn("⚠️ Provider status poll failed, keeping last known status")
			view.Stale = true
			s.offer(view)
			continue
		}

		f.applyProvider(&view, pd)
		s.offer(view)
		if view.Status.IsTerminal() {
			return nil
		}
	}
}
