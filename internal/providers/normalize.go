package providers

import (
	"strings"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/models"
)

var doorDashStatuses = map[string]models.DeliveryStatus{
	"quote":              models.DeliveryStatusCreated,
	"created":            models.DeliveryStatusCreated,
	"confirmed":          models.DeliveryStatusAssigned,
	"enroute_to_pickup":  models.DeliveryStatusPickingUp,
	"arrived_at_pickup":  models.DeliveryStatusPickingUp,
	"picked_up":          models.DeliveryStatusPickedUp,
	"enroute_to_dropoff": models.DeliveryStatusDelivering,
	"arrived_at_dropoff": models.DeliveryStatusDelivering,
	"delivered":          models.DeliveryStatusDelivered,
	"cancelled":          models.DeliveryStatusCancelled,
	"enroute_to_return":  models.DeliveryStatusReturned,
	"arrived_at_return":  models.DeliveryStatusReturned,
	"returned":           models.DeliveryStatusReturned,
}

// DoorDash webhooks name the event rather than the state it leads to
var doorDashEvents = map[string]models.DeliveryStatus{
	"DELIVERY_CREATED":                 models.DeliveryStatusCreated,
	"DASHER_CONFIRMED":                 models.DeliveryStatusAssigned,
	"DASHER_ENROUTE_TO_PICKUP":         models.DeliveryStatusPickingUp,
	"DASHER_CONFIRMED_PICKUP_ARRIVAL":  models.DeliveryStatusPickingUp,
	"DASHER_PICKED_UP":                 models.DeliveryStatusPickedUp,
	"DASHER_ENROUTE_TO_DROPOFF":        models.DeliveryStatusDelivering,
	"DASHER_CONFIRMED_DROPOFF_ARRIVAL": models.DeliveryStatusDelivering,
	"DASHER_DROPPED_OFF":               models.DeliveryStatusDelivered,
	"DELIVERY_CANCELLED":               models.DeliveryStatusCancelled,
	"DASHER_ENROUTE_TO_RETURN":         models.DeliveryStatusReturned,
	"DELIVERY_RETURNED":                models.DeliveryStatusReturned,
}

var uberStatuses = map[string]models.DeliveryStatus{
	"pending":         models.DeliveryStatusCreated,
	"pickup":          models.DeliveryStatusPickingUp,
	"pickup_complete": models.DeliveryStatusPickedUp,
	"dropoff":         models.DeliveryStatusDelivering,
	"delivered":       models.DeliveryStatusDelivered,
	"canceled":        models.DeliveryStatusCancelled,
	"returned":        models.DeliveryStatusReturned,
}

// normalize maps a provider status through table. Unknown values fall back
// to created so a new provider status never breaks the pipeline.
func normalize(provider models.ProviderID, table map[string]models.DeliveryStatus, raw string) models.DeliveryStatus {
	key := strings.TrimSpace(raw)
	for _, k := range []string{key, strings.ToLower(key), strings.ToUpper(key)} {
		if s, ok := table[k]; ok {
			return s
		}
	}
	logrus.WithFields(logrus.Fields{
		"provider": provider,
		"status":   raw,
	}).Warn("⚠️ Unmapped provider status, treating as created")
	return models.DeliveryStatusCreated
}

// NormalizeDoorDash maps a DoorDash delivery_status value
func NormalizeDoorDash(raw string) models.DeliveryStatus {
	return normalize(models.ProviderDoorDash, doorDashStatuses, raw)
}

// NormalizeUber maps an Uber Direct delivery status value
func NormalizeUber(raw string) models.DeliveryStatus {
	return normalize(models.ProviderUber, uberStatuses, raw)
}
