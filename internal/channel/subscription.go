package channel

import "sync"

// Subscription is a live view of one topic. C holds at most one pending
// update; a newer update replaces an unread one, and an update older than the
// last applied timestamp is discarded. C is closed by Close.
type Subscription struct {
	C <-chan Update

	key     Key
	ch      chan Update
	mu      sync.Mutex
	applied bool
	lastTs  int64
	closed  bool
	once    sync.Once
	onClose func()
}

func newSubscription(key Key, onClose func()) *Subscription {
	ch := make(chan Update, 1)
	return &Subscription{C: ch, key: key, ch: ch, onClose: onClose}
}

// Key returns the topic this subscription follows
func (s *Subscription) Key() Key { return s.key }

// deliver applies u and reports whether it was accepted
func (s *Subscription) deliver(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.applied && u.TimestampMs < s.lastTs {
		return false
	}
	s.applied = true
	s.lastTs = u.TimestampMs

	// Drop the unread value; the buffer then always has room.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- u
	return true
}

// Close stops delivery and releases the subscription. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
}
