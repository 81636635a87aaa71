// Package channel is the push channel between a driver's device and everyone
// watching that driver. Delivery is last-value-wins per key: a subscriber only
// ever sees the most recent update, never a queue.
package channel

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/models"
)

// Kind selects the location or the status topic of a driver
type Kind string

const (
	KindLocation Kind = "location"
	KindStatus   Kind = "status"
)

// Key addresses one topic: {tenantId}/drivers/{driverId}/{kind}
type Key struct {
	TenantID string
	DriverID string
	Kind     Kind
}

// LocationKey is the location topic of a driver
func LocationKey(k models.DriverKey) Key {
	return Key{TenantID: k.TenantID, DriverID: k.DriverID, Kind: KindLocation}
}

// StatusKey is the status topic of a driver
func StatusKey(k models.DriverKey) Key {
	return Key{TenantID: k.TenantID, DriverID: k.DriverID, Kind: KindStatus}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/drivers/%s/%s", k.TenantID, k.DriverID, k.Kind)
}

// Update is one message on a topic. Location updates carry the device
// timestamp, status updates the server clock at the time of the transition.
type Update struct {
	TimestampMs    int64                `json:"timestamp_ms"`
	Location       *models.Location     `json:"location,omitempty"`
	Status         *models.DriverStatus `json:"status,omitempty"`
	CurrentOrderID *string              `json:"current_order_id,omitempty"`
}

// Channel is a keyed pub/sub with last-value-wins semantics
type Channel interface {
	Publish(ctx context.Context, key Key, u Update) error
	Subscribe(ctx context.Context, key Key) (*Subscription, error)
}

// Sink receives a copy of every publish, e.g. an external realtime database
type Sink interface {
	Mirror(ctx context.Context, key Key, u Update) error
}

type mirrored struct {
	Channel
	sinks []Sink
}

// Mirrored copies every successful publish on ch to the given sinks.
// Sink failures are logged and never fail the publish.
func Mirrored(ch Channel, sinks ...Sink) Channel {
	if len(sinks) == 0 {
		return ch
	}
	return &mirrored{Channel: ch, sinks: sinks}
}

func (m *mirrored) Publish(ctx context.Context, key Key, u Update) error {
	if err := m.Channel.Publish(ctx, key, u); err != nil {
		return err
	}
	for _, s := range m.sinks {
		if err := s.Mirror(ctx, key, u); err != nil {
			logrus.WithError(err).WithField("topic", key.String()).Warn("⚠️ Mirror publish failed")
		}
	}
	return nil
}
