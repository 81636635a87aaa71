package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
)

const (
	// Exchange receives every task status change
	Exchange = "delivery_topic"

	queueSize      = 512
	publishTimeout = 5 * time.Second
)

// RoutingKey is delivery.status.<status>
func RoutingKey(status models.DeliveryStatus) string {
	return "delivery.status." + string(status)
}

// TaskStatusMessage is the body published for each task change
type TaskStatusMessage struct {
	TaskID             string                 `json:"task_id"`
	TenantID           string                 `json:"tenant_id"`
	OrderID            string                 `json:"order_id"`
	Status             models.DeliveryStatus  `json:"status"`
	PreviousStatus     models.DeliveryStatus  `json:"previous_status,omitempty"`
	Mode               models.FulfillmentMode `json:"fulfillment_mode"`
	ProviderID         models.ProviderID      `json:"provider_id,omitempty"`
	ProviderDeliveryID string                 `json:"provider_delivery_id,omitempty"`
	DriverID           string                 `json:"driver_id,omitempty"`
	DriverLost         bool                   `json:"driver_lost,omitempty"`
	TrackingURL        string                 `json:"tracking_url,omitempty"`
	OccurredAt         time.Time              `json:"occurred_at"`
}

func newMessage(ev dispatch.TaskEvent) TaskStatusMessage {
	t := ev.Task
	return TaskStatusMessage{
		TaskID:             t.ID,
		TenantID:           t.TenantID,
		OrderID:            t.OrderID,
		Status:             t.Status,
		PreviousStatus:     ev.Previous,
		Mode:               t.Mode,
		ProviderID:         t.ProviderID,
		ProviderDeliveryID: t.ProviderDeliveryID,
		DriverID:           t.DriverID,
		DriverLost:         ev.DriverLost,
		TrackingURL:        t.TrackingURL,
		OccurredAt:         t.UpdatedAt,
	}
}

// amqpChannel is the part of *amqp.Channel the publisher uses
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards task events to RabbitMQ from a background worker, so
// coordinator listeners never wait on the broker.
type Publisher struct {
	ch    amqpChannel
	conn  *amqp.Connection
	queue chan outgoing

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type outgoing struct {
	key string
	msg amqp.Publishing
}

// Connect dials the broker, retrying while it starts up, and declares the exchange
func Connect(ctx context.Context, url string) (*Publisher, error) {
	var (
		conn *amqp.Connection
		ch   *amqp.Channel
		err  error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err = conn.Channel()
			if err == nil {
				break
			}
			conn.Close()
		}
		logrus.WithError(err).Warnf("🐇 RabbitMQ not ready, retrying... (%d/10)", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}

	p := newPublisher(ch)
	p.conn = conn
	logrus.WithField("exchange", Exchange).Info("✅ RabbitMQ publisher ready")
	return p, nil
}

func newPublisher(ch amqpChannel) *Publisher {
	p := &Publisher{
		ch:    ch,
		queue: make(chan outgoing, queueSize),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// HandleTaskEvent is a dispatch.TaskListener. Events are dropped with a
// warning when the queue is full.
func (p *Publisher) HandleTaskEvent(ev dispatch.TaskEvent) {
	body, err := json.Marshal(newMessage(ev))
	if err != nil {
		logrus.WithError(err).WithField("task_id", ev.Task.ID).Error("❌ Failed to encode task event")
		return
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Task.UpdatedAt,
		MessageId:    ev.Task.ID + ":" + string(ev.Task.Status),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- outgoing{key: RoutingKey(ev.Task.Status), msg: msg}:
	default:
		logrus.WithFields(logrus.Fields{
			"task_id": ev.Task.ID,
			"status":  ev.Task.Status,
		}).Warn("⚠️  Task event queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for out := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.ch.PublishWithContext(ctx, Exchange, out.key, false, false, out.msg)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("routing_key", out.key).Error("❌ Failed to publish task event")
		}
	}
}

// Close drains queued events and closes the broker connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
