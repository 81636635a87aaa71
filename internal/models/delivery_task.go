package models

import "time"

// DeliveryStatus is the provider-independent status of a delivery attempt
type DeliveryStatus string

const (
	DeliveryStatusCreated    DeliveryStatus = "created"
	DeliveryStatusAssigned   DeliveryStatus = "assigned"
	DeliveryStatusPickingUp  DeliveryStatus = "picking_up"
	DeliveryStatusPickedUp   DeliveryStatus = "picked_up"
	DeliveryStatusDelivering DeliveryStatus = "delivering"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusCancelled  DeliveryStatus = "cancelled"
	DeliveryStatusReturned   DeliveryStatus = "returned"
)

var deliveryStatusRank = map[DeliveryStatus]int{
	DeliveryStatusCreated:    0,
	DeliveryStatusAssigned:   1,
	DeliveryStatusPickingUp:  2,
	DeliveryStatusPickedUp:   3,
	DeliveryStatusDelivering: 4,
	DeliveryStatusDelivered:  5,
}

// Valid reports whether s is one of the normalized statuses
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusCancelled, DeliveryStatusReturned:
		return true
	}
	_, ok := deliveryStatusRank[s]
	return ok
}

// Rank orders the forward path; terminal alternates have no rank
func (s DeliveryStatus) Rank() (int, bool) {
	r, ok := deliveryStatusRank[s]
	return r, ok
}

// IsTerminal reports whether no further transition is possible
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusCancelled || s == DeliveryStatusReturned
}

// Cancellable reports whether the courier has not yet collected the order
func (s DeliveryStatus) Cancellable() bool {
	return s == DeliveryStatusCreated || s == DeliveryStatusAssigned || s == DeliveryStatusPickingUp
}

// AdvancesTo reports whether moving from s to next is a real transition:
// forward along the ranked path, or to cancelled/returned from any
// non-terminal status. Nothing leaves a terminal status.
func (s DeliveryStatus) AdvancesTo(next DeliveryStatus) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	if next == DeliveryStatusCancelled || next == DeliveryStatusReturned {
		return true
	}
	cur, _ := s.Rank()
	r, ok := next.Rank()
	return ok && r > cur
}

// FulfillmentMode selects who performs the delivery
type FulfillmentMode string

const (
	FulfillmentInHouse  FulfillmentMode = "in_house"
	FulfillmentProvider FulfillmentMode = "provider"
)

// ProviderID names a third-party courier network
type ProviderID string

const (
	ProviderDoorDash ProviderID = "doordash"
	ProviderUber     ProviderID = "uber"
)

// Address is a postal address with optional coordinates
type Address struct {
	Street      string       `json:"street"`
	City        string       `json:"city"`
	State       string       `json:"state"`
	Zip         string       `json:"zip"`
	Country     string       `json:"country"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Contact is the person or business at one end of a delivery
type Contact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	BusinessName string `json:"business_name,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Stop is one end of a delivery
type Stop struct {
	Address Address `json:"address"`
	Contact Contact `json:"contact"`
}

// Courier describes the person carrying a provider-backed delivery
type Courier struct {
	Name     string       `json:"name,omitempty"`
	Phone    string       `json:"phone,omitempty"`
	Location *Coordinates `json:"location,omitempty"`
}

// DeliveryTask is one fulfillment attempt for an order
type DeliveryTask struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	OrderID            string          `json:"order_id"`
	PreviousTaskID     *string         `json:"previous_task_id,omitempty"` // Set when this attempt replaces a failed one
	Pickup             Stop            `json:"pickup"`
	Dropoff            Stop            `json:"dropoff"`
	OrderValueCents    int64           `json:"order_value_cents"`
	TipCents           int64           `json:"tip_cents"`
	Mode               FulfillmentMode `json:"fulfillment_mode"`
	ProviderID         ProviderID      `json:"provider_id,omitempty"`
	ProviderDeliveryID string          `json:"provider_delivery_id,omitempty"`
	QuoteID            string          `json:"quote_id,omitempty"`
	DriverID           string          `json:"driver_id,omitempty"`
	Status             DeliveryStatus  `json:"status"`
	FeeCents           int64           `json:"fee_cents"`
	TrackingURL        string          `json:"tracking_url,omitempty"`
	Courier            *Courier        `json:"courier,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// DriverKey returns the in-house driver bound to the task
func (t DeliveryTask) DriverKey() DriverKey {
	return DriverKey{TenantID: t.TenantID, DriverID: t.DriverID}
}

// NextStop is the stop the courier is currently heading to
func (t DeliveryTask) NextStop() Stop {
	if r, ok := t.Status.Rank(); ok && r >= 3 {
		return t.Dropoff
	}
	return t.Pickup
}
