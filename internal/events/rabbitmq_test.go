package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu     sync.Mutex
	got    []published
	closed bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(models.DeliveryStatusPickedUp); got != "delivery.status.picked_up" {
		t.Errorf("RoutingKey = %q", got)
	}
}

func TestPublisherForwardsTaskEvents(t *testing.T) {
	fc := &fakeChannel{}
	p := newPublisher(fc)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.HandleTaskEvent(dispatch.TaskEvent{
		Task: models.DeliveryTask{
			ID: "task-1", TenantID: "t1", OrderID: "o1",
			Mode: models.FulfillmentInHouse, DriverID: "d1",
			Status: models.DeliveryStatusAssigned, UpdatedAt: now,
		},
	})
	p.HandleTaskEvent(dispatch.TaskEvent{
		Task: models.DeliveryTask{
			ID: "task-1", TenantID: "t1", OrderID: "o1",
			Mode: models.FulfillmentInHouse, DriverID: "d1",
			Status: models.DeliveryStatusPickingUp, UpdatedAt: now.Add(time.Minute),
		},
		Previous:   models.DeliveryStatusAssigned,
		DriverLost: true,
	})

	// Close drains the queue before returning
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(fc.got) != 2 {
		t.Fatalf("published %d messages, want 2", len(fc.got))
	}
	if fc.got[0].exchange != Exchange || fc.got[0].key != "delivery.status.assigned" {
		t.Errorf("first = %s/%s", fc.got[0].exchange, fc.got[0].key)
	}
	if fc.got[1].key != "delivery.status.picking_up" {
		t.Errorf("second key = %s", fc.got[1].key)
	}

	var msg TaskStatusMessage
	if err := json.Unmarshal(fc.got[1].msg.Body, &msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.PreviousStatus != models.DeliveryStatusAssigned || !msg.DriverLost || msg.DriverID != "d1" {
		t.Errorf("message = %+v", msg)
	}
	if fc.got[1].msg.DeliveryMode != amqp.Persistent {
		t.Error("messages should be persistent")
	}
	if !fc.closed {
		t.Error("channel not closed")
	}
}

func TestPublisherIgnoresEventsAfterClose(t *testing.T) {
	fc := &fakeChannel{}
	p := newPublisher(fc)
	p.Close()

	p.HandleTaskEvent(dispatch.TaskEvent{Task: models.DeliveryTask{ID: "late", Status: models.DeliveryStatusDelivered}})
	if len(fc.got) != 0 {
		t.Errorf("published %d messages after close", len(fc.got))
	}
}
