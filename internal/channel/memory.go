package channel

import (
	"context"
	"sync"
)

// Memory is an in-process Channel. It keeps the last value of every topic so
// new subscribers start from the current state.
type Memory struct {
	mu   sync.RWMutex
	last map[Key]Update
	subs map[Key]map[*Subscription]struct{}
}

// NewMemory creates an empty in-process channel
func NewMemory() *Memory {
	return &Memory{
		last: make(map[Key]Update),
		subs: make(map[Key]map[*Subscription]struct{}),
	}
}

// Publish stores u as the topic's last value and fans it out
func (m *Memory) Publish(ctx context.Context, key Key, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if prev, ok := m.last[key]; !ok || u.TimestampMs >= prev.TimestampMs {
		m.last[key] = u
	}
	targets := make([]*Subscription, 0, len(m.subs[key]))
	for s := range m.subs[key] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.deliver(u)
	}
	return nil
}

// Subscribe follows a topic, starting with its current value if any
func (m *Memory) Subscribe(ctx context.Context, key Key) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(key, func() { m.remove(key, sub) })

	m.mu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[*Subscription]struct{})
	}
	m.subs[key][sub] = struct{}{}
	last, ok := m.last[key]
	m.mu.Unlock()

	if ok {
		sub.deliver(last)
	}
	return sub, nil
}

// SubscriberCount returns the number of open subscriptions on a topic
func (m *Memory) SubscriberCount(key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[key])
}

func (m *Memory) remove(key Key, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[key], sub)
	if len(m.subs[key]) == 0 {
		delete(m.subs, key)
	}
}
