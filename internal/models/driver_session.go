package models

import "fmt"

// DriverStatus represents a driver's presence state
type DriverStatus string

const (
	DriverStatusOffline    DriverStatus = "offline"
	DriverStatusIdle       DriverStatus = "idle"       // Online, waiting for work
	DriverStatusInTransit  DriverStatus = "in_transit" // Heading to pickup
	DriverStatusAtPickup   DriverStatus = "at_pickup"
	DriverStatusDelivering DriverStatus = "delivering" // Order on board, heading to dropoff
)

// allowedDriverTransitions lists every legal edge except "any -> offline",
// which is always allowed.
var allowedDriverTransitions = map[DriverStatus][]DriverStatus{
	DriverStatusOffline:    {DriverStatusIdle},
	DriverStatusIdle:       {DriverStatusInTransit},
	DriverStatusInTransit:  {DriverStatusAtPickup},
	DriverStatusAtPickup:   {DriverStatusDelivering},
	DriverStatusDelivering: {DriverStatusIdle},
}

// Valid reports whether s is a known driver status
func (s DriverStatus) Valid() bool {
	switch s {
	case DriverStatusOffline, DriverStatusIdle, DriverStatusInTransit, DriverStatusAtPickup, DriverStatusDelivering:
		return true
	}
	return false
}

// HasOrder reports whether a driver in this status must hold a current order
func (s DriverStatus) HasOrder() bool {
	return s == DriverStatusInTransit || s == DriverStatusAtPickup || s == DriverStatusDelivering
}

// CanTransition reports whether from -> to is an edge of the presence graph
func CanTransition(from, to DriverStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == DriverStatusOffline {
		return true
	}
	for _, next := range allowedDriverTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DriverKey identifies one driver inside one tenant
type DriverKey struct {
	TenantID string `json:"tenant_id"`
	DriverID string `json:"driver_id"`
}

func (k DriverKey) String() string {
	return fmt.Sprintf("%s/%s", k.TenantID, k.DriverID)
}

// Location is a single GPS fix reported by a driver's device
type Location struct {
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	TimestampMs int64    `json:"timestamp_ms"`          // Client-side timestamp
	SpeedMps    *float64 `json:"speed_mps,omitempty"`   // Speed in m/s
	HeadingDeg  *float64 `json:"heading_deg,omitempty"` // Direction of travel (0-360 degrees)
	AccuracyM   *float64 `json:"accuracy_m,omitempty"`  // GPS accuracy in meters
}

// Coordinates returns the fix as a plain coordinate pair
func (l Location) Coordinates() Coordinates {
	return Coordinates{Lat: l.Latitude, Lng: l.Longitude}
}

// Coordinates represents latitude and longitude
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is inside WGS84 bounds
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// DriverSession is the live presence record of one driver
type DriverSession struct {
	DriverID       string       `json:"driver_id" db:"driver_id"`
	TenantID       string       `json:"tenant_id" db:"tenant_id"`
	Status         DriverStatus `json:"status" db:"status"`
	CurrentOrderID *string      `json:"current_order_id,omitempty" db:"current_order_id"`
	Location       *Location    `json:"location,omitempty"`
	LastSeenAt     int64        `json:"last_seen_at" db:"last_seen_at"` // Unix millis of the last device contact
	UpdatedAt      int64        `json:"updated_at" db:"updated_at"`
	PushToken      string       `json:"-" db:"-"`
}

// Key returns the session's tenant-scoped identity
func (s DriverSession) Key() DriverKey {
	return DriverKey{TenantID: s.TenantID, DriverID: s.DriverID}
}

// OrderID returns the current order id or "" when the driver is free
func (s DriverSession) OrderID() string {
	if s.CurrentOrderID == nil {
		return ""
	}
	return *s.CurrentOrderID
}
