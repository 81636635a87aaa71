// Package providers integrates third-party courier networks behind one
// interface and normalizes their status vocabularies.
package providers

import (
	"context"
	"net/http"
	"time"

	"dispatch-backend/internal/models"
)

// DeliveryRequest is everything a provider needs to quote or book a delivery
type DeliveryRequest struct {
	ExternalID      string // our task id, echoed back by the provider
	TenantID        string
	OrderID         string
	Pickup          models.Stop
	Dropoff         models.Stop
	OrderValueCents int64
	TipCents        int64
	QuoteID         string
	Currency        string
}

// ProviderDelivery is a provider's view of one delivery, already normalized
type ProviderDelivery struct {
	ProviderDeliveryID string
	Status             models.DeliveryStatus
	RawStatus          string
	FeeCents           int64
	Currency           string
	TrackingURL        string
	Courier            *models.Courier
	DropoffETA         time.Time
}

// WebhookEvent is a normalized inbound provider notification
type WebhookEvent struct {
	Provider           models.ProviderID
	ProviderDeliveryID string
	ExternalID         string
	Status             models.DeliveryStatus
	RawStatus          string
	Courier            *models.Courier
	TrackingURL        string
	OccurredAt         time.Time
}

// Provider is one courier network
type Provider interface {
	ID() models.ProviderID
	Quote(ctx context.Context, req DeliveryRequest) (models.DeliveryQuote, error)
	CreateDelivery(ctx context.Context, req DeliveryRequest) (ProviderDelivery, error)
	GetStatus(ctx context.Context, providerDeliveryID string) (ProviderDelivery, error)
	Cancel(ctx context.Context, providerDeliveryID string) error
	// VerifyWebhook checks authenticity of an inbound notification
	VerifyWebhook(headers http.Header, body []byte) error
	// ParseWebhook is a pure transform of a verified payload
	ParseWebhook(body []byte) (WebhookEvent, error)
}

// Timeouts bound each kind of provider call
type Timeouts struct {
	Quote  time.Duration
	Create time.Duration
	Status time.Duration
}

// DefaultTimeouts are used for any zero field
var DefaultTimeouts = Timeouts{
	Quote:  8 * time.Second,
	Create: 20 * time.Second,
	Status: 10 * time.Second,
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Quote <= 0 {
		t.Quote = DefaultTimeouts.Quote
	}
	if t.Create <= 0 {
		t.Create = DefaultTimeouts.Create
	}
	if t.Status <= 0 {
		t.Status = DefaultTimeouts.Status
	}
	return t
}
