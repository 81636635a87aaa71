package channel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPublishInterval bounds channel writes per driver
const DefaultPublishInterval = time.Second

// Throttle limits publishes to one per interval per key. A sample arriving
// inside the window replaces any sample already waiting, and the waiting
// sample is published when the window closes, so the newest fix always wins.
type Throttle struct {
	ch       Channel
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	state map[Key]*throttleState
}

type throttleState struct {
	lastSent time.Time
	pending  *Update
	timer    *time.Timer
}

// NewThrottle wraps ch with a per-key rate limit
func NewThrottle(ch Channel, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Throttle{
		ch:       ch,
		interval: interval,
		now:      time.Now,
		state:    make(map[Key]*throttleState),
	}
}

// Offer publishes u now if the key's window is open, otherwise schedules it
// as the trailing sample of the current window
func (t *Throttle) Offer(ctx context.Context, key Key, u Update) error {
	t.mu.Lock()
	st, ok := t.state[key]
	if !ok {
		st = &throttleState{}
		t.state[key] = st
	}

	if st.timer != nil {
		st.pending = &u
		t.mu.Unlock()
		return nil
	}

	now := t.now()
	elapsed := now.Sub(st.lastSent)
	if st.lastSent.IsZero() || elapsed >= t.interval {
		st.lastSent = now
		t.mu.Unlock()
		return t.ch.Publish(ctx, key, u)
	}

	st.pending = &u
	st.timer = time.AfterFunc(t.interval-elapsed, func() { t.flush(key) })
	t.mu.Unlock()
	return nil
}

// Flush publishes the key's waiting sample immediately, if any, and forgets
// the key. Used when a device disconnects.
func (t *Throttle) Flush(ctx context.Context, key Key) error {
	t.mu.Lock()
	st, ok := t.state[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	pending := st.pending
	delete(t.state, key)
	t.mu.Unlock()

	if pending == nil {
		return nil
	}
	return t.ch.Publish(ctx, key, *pending)
}

func (t *Throttle) flush(key Key) {
	t.mu.Lock()
	st, ok := t.state[key]
	if !ok || st.pending == nil {
		if ok {
			st.timer = nil
		}
		t.mu.Unlock()
		return
	}
	u := *st.pending
	st.pending = nil
	st.timer = nil
	st.lastSent = t.now()
	t.mu.Unlock()

	if err := t.ch.Publish(context.Background(), key, u); err != nil {
		logrus.WithError(err).WithField("topic", key.String()).Warn("⚠️ Throttled publish failed")
	}
}
