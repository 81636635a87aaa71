package channel

import (
	"context"
	"testing"
	"time"

	"dispatch-backend/internal/models"
)

func recv(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestKeyString(t *testing.T) {
	k := models.DriverKey{TenantID: "acme", DriverID: "drv-1"}
	if got := LocationKey(k).String(); got != "acme/drivers/drv-1/location" {
		t.Errorf("location key = %q", got)
	}
	if got := StatusKey(k).String(); got != "acme/drivers/drv-1/status" {
		t.Errorf("status key = %q", got)
	}
}

func TestMemorySubscriberGetsCurrentValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{TenantID: "t1", DriverID: "d1", Kind: KindLocation}

	loc := &models.Location{Latitude: 40.7, Longitude: -74.0, TimestampMs: 10}
	if err := m.Publish(ctx, key, Update{TimestampMs: 10, Location: loc}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := m.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	u := recv(t, sub)
	if u.Location == nil || u.Location.Latitude != 40.7 {
		t.Fatalf("unexpected initial update: %+v", u)
	}

	if err := m.Publish(ctx, key, Update{TimestampMs: 20}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if u := recv(t, sub); u.TimestampMs != 20 {
		t.Fatalf("expected ts 20, got %d", u.TimestampMs)
	}
}

func TestMemoryKeepsNewestAsLastValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{TenantID: "t1", DriverID: "d1", Kind: KindLocation}

	m.Publish(ctx, key, Update{TimestampMs: 20})
	m.Publish(ctx, key, Update{TimestampMs: 10})

	sub, _ := m.Subscribe(ctx, key)
	defer sub.Close()
	if u := recv(t, sub); u.TimestampMs != 20 {
		t.Fatalf("expected last value ts 20, got %d", u.TimestampMs)
	}
}

func TestMemoryTopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := Key{TenantID: "t1", DriverID: "d1", Kind: KindLocation}
	b := Key{TenantID: "t2", DriverID: "d1", Kind: KindLocation}

	sub, _ := m.Subscribe(ctx, a)
	defer sub.Close()

	m.Publish(ctx, b, Update{TimestampMs: 1})

	select {
	case u := <-sub.C:
		t.Fatalf("received update from another tenant: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCloseRemovesSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{TenantID: "t1", DriverID: "d1", Kind: KindStatus}

	sub, _ := m.Subscribe(ctx, key)
	if n := m.SubscriberCount(key); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}
	sub.Close()
	if n := m.SubscriberCount(key); n != 0 {
		t.Fatalf("subscriber count after close = %d, want 0", n)
	}
	if err := m.Publish(ctx, key, Update{TimestampMs: 1}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

type recordingSink struct {
	keys []Key
}

func (s *recordingSink) Mirror(ctx context.Context, key Key, u Update) error {
	s.keys = append(s.keys, key)
	return nil
}

func TestMirroredCopiesPublishes(t *testing.T) {
	sink := &recordingSink{}
	ch := Mirrored(NewMemory(), sink)
	key := Key{TenantID: "t1", DriverID: "d1", Kind: KindStatus}

	if err := ch.Publish(context.Background(), key, Update{TimestampMs: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(sink.keys) != 1 || sink.keys[0] != key {
		t.Fatalf("sink saw %v", sink.keys)
	}
}
