package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

// Runs only against a disposable database: TEST_DATABASE_URL=postgres://...
func openTestDB(t *testing.T) *TaskStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewTaskStore(db)
}

func TestTaskStoreSingleActiveTaskPerOrder(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := models.DeliveryTask{
		ID: uuid.NewString(), TenantID: tenant, OrderID: "o1",
		Mode: models.FulfillmentInHouse, DriverID: "d1",
		Status: models.DeliveryStatusAssigned, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := first
	second.ID = uuid.NewString()
	if err := store.Create(ctx, second); !errors.Is(err, apperrors.ErrActiveTaskExists) {
		t.Fatalf("second create err = %v, want ErrActiveTaskExists", err)
	}

	first.Status = models.DeliveryStatusCancelled
	first.UpdatedAt = now.Add(time.Second)
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	second.PreviousTaskID = &first.ID
	second.CreatedAt = now.Add(2 * time.Second)
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}

	active, err := store.ActiveForOrder(ctx, tenant, "o1")
	if err != nil || active.ID != second.ID {
		t.Fatalf("active = %v, %v", active.ID, err)
	}
	all, err := store.ListForOrder(ctx, tenant, "o1")
	if err != nil || len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("list = %+v, %v", all, err)
	}
	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, apperrors.ErrTaskNotFound) {
		t.Errorf("get unknown err = %v", err)
	}
}
