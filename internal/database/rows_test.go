package database

import (
	"testing"
	"time"

	"dispatch-backend/internal/models"
)

func TestTaskRowRoundTrip(t *testing.T) {
	prev := "task-0"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := models.DeliveryTask{
		ID:             "task-1",
		TenantID:       "t1",
		OrderID:        "o1",
		PreviousTaskID: &prev,
		Pickup: models.Stop{
			Address: models.Address{Street: "1 Main St", City: "Austin"},
			Contact: models.Contact{Name: "Shop", Phone: "+15550001"},
		},
		Dropoff: models.Stop{
			Address: models.Address{Street: "9 Elm St", City: "Austin"},
			Contact: models.Contact{Name: "Ana", Phone: "+15550002"},
		},
		Mode:               models.FulfillmentProvider,
		ProviderID:         models.ProviderDoorDash,
		ProviderDeliveryID: "dd-1",
		Status:             models.DeliveryStatusPickedUp,
		FeeCents:           975,
		Courier:            &models.Courier{Name: "Sam"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	row, err := toTaskRow(task)
	if err != nil {
		t.Fatalf("toTaskRow: %v", err)
	}
	if row.DriverID.Valid {
		t.Error("empty driver id should be stored as NULL")
	}
	if !row.Courier.Valid {
		t.Error("courier should be stored")
	}

	got, err := row.toTask()
	if err != nil {
		t.Fatalf("toTask: %v", err)
	}
	if got.PreviousTaskID == nil || *got.PreviousTaskID != prev {
		t.Errorf("previous task id = %v", got.PreviousTaskID)
	}
	if got.Dropoff.Contact.Name != "Ana" || got.Pickup.Address.Street != "1 Main St" {
		t.Errorf("stops not restored: %+v", got)
	}
	if got.Courier == nil || got.Courier.Name != "Sam" {
		t.Errorf("courier = %+v", got.Courier)
	}
	if got.ProviderID != models.ProviderDoorDash || got.Status != models.DeliveryStatusPickedUp {
		t.Errorf("provider/status = %s/%s", got.ProviderID, got.Status)
	}
}

func TestSessionRowWithoutLocation(t *testing.T) {
	order := "o1"
	row := toSessionRow(models.DriverSession{
		TenantID:       "t1",
		DriverID:       "d1",
		Status:         models.DriverStatusInTransit,
		CurrentOrderID: &order,
		LastSeenAt:     100,
		UpdatedAt:      100,
	})
	if row.Latitude.Valid || row.Timestamp.Valid {
		t.Error("location columns should be NULL")
	}

	got := row.toSession()
	if got.Location != nil {
		t.Errorf("location = %+v, want nil", got.Location)
	}
	if got.OrderID() != "o1" || got.Status != models.DriverStatusInTransit {
		t.Errorf("session = %+v", got)
	}
}

func TestSessionRowKeepsOptionalFields(t *testing.T) {
	speed := 4.5
	row := toSessionRow(models.DriverSession{
		TenantID: "t1",
		DriverID: "d1",
		Status:   models.DriverStatusIdle,
		Location: &models.Location{Latitude: 30.1, Longitude: -97.7, TimestampMs: 42, SpeedMps: &speed},
	})
	got := row.toSession()
	if got.Location == nil || got.Location.SpeedMps == nil || *got.Location.SpeedMps != speed {
		t.Fatalf("location = %+v", got.Location)
	}
	if got.Location.HeadingDeg != nil {
		t.Error("heading should stay nil")
	}
	if got.CurrentOrderID != nil {
		t.Error("idle driver should have no order")
	}
}
