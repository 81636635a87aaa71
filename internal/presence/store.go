// Package presence keeps the live status and last location of every driver.
//
// Writes to one driver are serialized by a per-driver mutex. Reads never lock:
// each driver's current session is an immutable snapshot swapped atomically.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/models"
)

// DefaultLivenessTimeout is how long a driver may stay silent before being
// marked offline
const DefaultLivenessTimeout = 2 * time.Minute

const recordQueueSize = 256

// Recorder persists session snapshots. Called off the write path.
type Recorder interface {
	SaveSession(ctx context.Context, s models.DriverSession) error
}

// Listener is notified after every session change
type Listener func(s models.DriverSession)

// OrphanHandler is called when a driver goes offline holding an order
type OrphanHandler func(key models.DriverKey, orderID string)

// Options configures a Store. Channel is required.
type Options struct {
	Channel         channel.Channel
	Throttle        *channel.Throttle
	Recorder        Recorder
	LivenessTimeout time.Duration
	Now             func() time.Time
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[models.DriverSession]
}

// Store is the in-memory presence registry
type Store struct {
	sessions sync.Map // models.DriverKey -> *entry

	ch       channel.Channel
	throttle *channel.Throttle
	timeout  time.Duration
	now      func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
	onOrphan    OrphanHandler

	recorder  Recorder
	records   chan models.DriverSession
	closeOnce sync.Once
	done      chan struct{}
}

// NewStore builds a Store and starts its recorder worker if a Recorder is set
func NewStore(opts Options) *Store {
	s := &Store{
		ch:       opts.Channel,
		throttle: opts.Throttle,
		timeout:  opts.LivenessTimeout,
		now:      opts.Now,
		recorder: opts.Recorder,
		done:     make(chan struct{}),
	}
	if s.throttle == nil {
		s.throttle = channel.NewThrottle(s.ch, channel.DefaultPublishInterval)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultLivenessTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.recorder != nil {
		s.records = make(chan models.DriverSession, recordQueueSize)
		go s.recordLoop()
	} else {
		close(s.done)
	}
	return s
}

// Close stops the recorder worker after it drains queued snapshots
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.records != nil {
			close(s.records)
		}
	})
	<-s.done
}

// AddListener registers l for every future session change
func (s *Store) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnOrphan sets the handler for orders left behind by a driver going offline
func (s *Store) OnOrphan(h OrphanHandler) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onOrphan = h
}

// Get returns the current snapshot of one driver
func (s *Store) Get(key models.DriverKey) (models.DriverSession, bool) {
	v, ok := s.sessions.Load(key)
	if !ok {
		return models.DriverSession{}, false
	}
	snap := v.(*entry).snap.Load()
	if snap == nil {
		return models.DriverSession{}, false
	}
	return *snap, true
}

// ListAll returns every known driver of a tenant, offline ones included,
// ordered by driver id
func (s *Store) ListAll(tenantID string) []models.DriverSession {
	var out []models.DriverSession
	s.sessions.Range(func(k, v any) bool {
		if k.(models.DriverKey).TenantID != tenantID {
			return true
		}
		if snap := v.(*entry).snap.Load(); snap != nil {
			out = append(out, *snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// GoOnline opens a session or reopens an offline one as idle. A driver that
// is already online keeps its status; only the push token and liveness are
// refreshed.
func (s *Store) GoOnline(ctx context.Context, key models.DriverKey, pushToken string) (models.DriverSession, error) {
	return s.mutate(ctx, key, true, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		next := newSession(key, cur)
		next.LastSeenAt = now
		if pushToken != "" {
			next.PushToken = pushToken
		}
		if cur == nil || cur.Status == models.DriverStatusOffline {
			next.Status = models.DriverStatusIdle
			next.CurrentOrderID = nil
		}
		return next, nil
	})
}

// GoOffline marks a driver offline and returns the order id it was holding,
// if any. The orphaned order is also reported to the OnOrphan handler.
func (s *Store) GoOffline(ctx context.Context, key models.DriverKey) (string, error) {
	var orphan string
	_, err := s.mutate(ctx, key, false, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		if cur.Status == models.DriverStatusOffline {
			return *cur, errNoChange
		}
		orphan = cur.OrderID()
		return offline(cur), nil
	})
	if err != nil {
		return "", err
	}
	if err := s.throttle.Flush(ctx, channel.LocationKey(key)); err != nil {
		logrus.WithError(err).WithField("driver", key.String()).Warn("⚠️ Failed to flush pending location")
	}
	return orphan, nil
}

// SetStatus moves a driver along the presence graph. Setting the current
// status again is a no-op. Entering an active status requires an order, so
// in_transit is only reachable through Assign.
func (s *Store) SetStatus(ctx context.Context, key models.DriverKey, status models.DriverStatus) (models.DriverSession, error) {
	if !status.Valid() {
		return models.DriverSession{}, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidRequest, status)
	}
	if status == models.DriverStatusOffline {
		if _, err := s.GoOffline(ctx, key); err != nil {
			return models.DriverSession{}, err
		}
		snap, _ := s.Get(key)
		return snap, nil
	}

	return s.mutate(ctx, key, false, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		if cur.Status == status {
			return *cur, errNoChange
		}
		if !models.CanTransition(cur.Status, status) {
			return *cur, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, cur.Status, status)
		}
		if status.HasOrder() && cur.CurrentOrderID == nil {
			return *cur, fmt.Errorf("%w: %s requires an assigned order", apperrors.ErrInvalidTransition, status)
		}

		next := newSession(key, cur)
		next.Status = status
		if !status.HasOrder() {
			next.CurrentOrderID = nil
		}
		return next, nil
	})
}

// Assign gives an idle driver an order and moves it to in_transit
func (s *Store) Assign(ctx context.Context, key models.DriverKey, orderID string) (models.DriverSession, error) {
	if orderID == "" {
		return models.DriverSession{}, fmt.Errorf("%w: order id is required", apperrors.ErrInvalidRequest)
	}
	return s.mutate(ctx, key, false, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		if cur.Status == models.DriverStatusOffline {
			return *cur, fmt.Errorf("%w: %s", apperrors.ErrDriverNotFound, key)
		}
		if cur.Status != models.DriverStatusIdle || cur.CurrentOrderID != nil {
			return *cur, fmt.Errorf("%w: %s is %s", apperrors.ErrDriverBusy, key, cur.Status)
		}

		next := newSession(key, cur)
		next.Status = models.DriverStatusInTransit
		next.CurrentOrderID = &orderID
		return next, nil
	})
}

// Complete clears the driver's order and returns it to idle
func (s *Store) Complete(ctx context.Context, key models.DriverKey) (models.DriverSession, error) {
	return s.release(ctx, key, "")
}

// Release is Complete restricted to one order: a driver already holding a
// different order, or none, is left untouched.
func (s *Store) Release(ctx context.Context, key models.DriverKey, orderID string) (models.DriverSession, error) {
	return s.release(ctx, key, orderID)
}

func (s *Store) release(ctx context.Context, key models.DriverKey, orderID string) (models.DriverSession, error) {
	return s.mutate(ctx, key, false, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		if cur.CurrentOrderID == nil {
			if orderID != "" {
				return *cur, errNoChange
			}
			return *cur, fmt.Errorf("%w: %s", apperrors.ErrNoActiveOrder, key)
		}
		if orderID != "" && *cur.CurrentOrderID != orderID {
			return *cur, errNoChange
		}

		next := newSession(key, cur)
		next.Status = models.DriverStatusIdle
		next.CurrentOrderID = nil
		return next, nil
	})
}

// UpdateLocation records a GPS fix. The first fix of an unknown driver opens
// an idle session, as does a fix from a driver marked offline. Fixes older
// than the stored one are rejected with ErrStaleLocation.
func (s *Store) UpdateLocation(ctx context.Context, key models.DriverKey, loc models.Location) (models.DriverSession, error) {
	if !loc.Coordinates().Valid() {
		return models.DriverSession{}, fmt.Errorf("%w: coordinates out of range", apperrors.ErrInvalidRequest)
	}

	snap, err := s.mutate(ctx, key, true, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
		if cur != nil && cur.Location != nil && loc.TimestampMs < cur.Location.TimestampMs {
			return *cur, fmt.Errorf("%w: %d < %d", apperrors.ErrStaleLocation, loc.TimestampMs, cur.Location.TimestampMs)
		}
		if loc.TimestampMs == 0 {
			loc.TimestampMs = now
		}

		next := newSession(key, cur)
		fix := loc
		next.Location = &fix
		next.LastSeenAt = now
		if cur == nil || cur.Status == models.DriverStatusOffline {
			next.Status = models.DriverStatusIdle
			next.CurrentOrderID = nil
		}
		return next, nil
	})
	if err != nil {
		return snap, err
	}

	fix := *snap.Location
	if err := s.throttle.Offer(context.WithoutCancel(ctx), channel.LocationKey(key), channel.Update{TimestampMs: fix.TimestampMs, Location: &fix}); err != nil {
		logrus.WithError(err).WithField("driver", key.String()).Warn("⚠️ Failed to publish location")
	}
	return snap, nil
}

// Touch refreshes liveness without changing anything observable
func (s *Store) Touch(key models.DriverKey) {
	v, ok := s.sessions.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	if cur == nil || cur.Status == models.DriverStatusOffline {
		return
	}
	next := *cur
	next.LastSeenAt = s.now().UnixMilli()
	e.snap.Store(&next)
}

// errNoChange aborts a mutation without an error reaching the caller
var errNoChange = errors.New("no change")

type mutation func(cur *models.DriverSession, now int64) (models.DriverSession, error)

// mutate runs fn under the driver's lock. fn sees nil for an unknown driver
// only when create is set; otherwise an unknown driver is ErrDriverNotFound.
// A changed status is published on the status topic before the lock is
// released so subscribers observe transitions in order.
func (s *Store) mutate(ctx context.Context, key models.DriverKey, create bool, fn mutation) (models.DriverSession, error) {
	var e *entry
	if create {
		v, _ := s.sessions.LoadOrStore(key, &entry{})
		e = v.(*entry)
	} else {
		v, ok := s.sessions.Load(key)
		if !ok {
			return models.DriverSession{}, fmt.Errorf("%w: %s", apperrors.ErrDriverNotFound, key)
		}
		e = v.(*entry)
	}

	e.mu.Lock()
	cur := e.snap.Load()
	if cur == nil && !create {
		e.mu.Unlock()
		return models.DriverSession{}, fmt.Errorf("%w: %s", apperrors.ErrDriverNotFound, key)
	}

	now := s.now().UnixMilli()
	next, err := fn(cur, now)
	if errors.Is(err, errNoChange) {
		e.mu.Unlock()
		return next, nil
	}
	if err != nil {
		e.mu.Unlock()
		return next, err
	}

	if cur != nil && now < cur.UpdatedAt {
		now = cur.UpdatedAt
	}
	next.UpdatedAt = now
	e.snap.Store(&next)

	statusChanged := cur == nil || cur.Status != next.Status || cur.OrderID() != next.OrderID()
	if statusChanged {
		s.publishStatus(ctx, next)
	}
	e.mu.Unlock()

	if statusChanged && cur != nil && cur.CurrentOrderID != nil && next.Status == models.DriverStatusOffline {
		s.reportOrphan(key, *cur.CurrentOrderID)
	}
	s.notify(next)
	return next, nil
}

// publishStatus announces a committed change, so it must not depend on the
// caller still waiting
func (s *Store) publishStatus(ctx context.Context, snap models.DriverSession) {
	status := snap.Status
	u := channel.Update{TimestampMs: snap.UpdatedAt, Status: &status, CurrentOrderID: snap.CurrentOrderID}
	if err := s.ch.Publish(context.WithoutCancel(ctx), channel.StatusKey(snap.Key()), u); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"driver": snap.Key().String(),
			"status": status,
		}).Warn("⚠️ Failed to publish driver status")
	}
}

func (s *Store) notify(snap models.DriverSession) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l(snap)
	}

	if s.records != nil {
		select {
		case s.records <- snap:
		default:
			logrus.WithField("driver", snap.Key().String()).Warn("⚠️ Session recorder queue full, dropping snapshot")
		}
	}
}

func (s *Store) reportOrphan(key models.DriverKey, orderID string) {
	logrus.WithFields(logrus.Fields{
		"driver":   key.String(),
		"order_id": orderID,
	}).Warn("⚠️ Driver went offline while holding an order")

	s.listenersMu.RLock()
	h := s.onOrphan
	s.listenersMu.RUnlock()
	if h != nil {
		h(key, orderID)
	}
}

func (s *Store) recordLoop() {
	defer close(s.done)
	for snap := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.SaveSession(ctx, snap); err != nil {
			logrus.WithError(err).WithField("driver", snap.Key().String()).Error("❌ Failed to persist driver session")
		}
		cancel()
	}
}

func newSession(key models.DriverKey, cur *models.DriverSession) models.DriverSession {
	if cur != nil {
		return *cur
	}
	return models.DriverSession{
		DriverID: key.DriverID,
		TenantID: key.TenantID,
		Status:   models.DriverStatusOffline,
	}
}

func offline(cur *models.DriverSession) models.DriverSession {
	next := *cur
	next.Status = models.DriverStatusOffline
	next.CurrentOrderID = nil
	return next
}
