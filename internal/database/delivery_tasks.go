package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

const uniqueViolation = "23505"

// TaskStore persists delivery tasks in PostgreSQL
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

type taskRow struct {
	ID                 string             `db:"id"`
	TenantID           string             `db:"tenant_id"`
	OrderID            string             `db:"order_id"`
	PreviousTaskID     sql.NullString     `db:"previous_task_id"`
	Pickup             types.JSONText     `db:"pickup"`
	Dropoff            types.JSONText     `db:"dropoff"`
	OrderValueCents    int64              `db:"order_value_cents"`
	TipCents           int64              `db:"tip_cents"`
	Mode               string             `db:"fulfillment_mode"`
	ProviderID         sql.NullString     `db:"provider_id"`
	ProviderDeliveryID sql.NullString     `db:"provider_delivery_id"`
	QuoteID            sql.NullString     `db:"quote_id"`
	DriverID           sql.NullString     `db:"driver_id"`
	Status             string             `db:"status"`
	FeeCents           int64              `db:"fee_cents"`
	TrackingURL        sql.NullString     `db:"tracking_url"`
	Courier            types.NullJSONText `db:"courier"`
	CreatedAt          time.Time          `db:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toTaskRow(t models.DeliveryTask) (taskRow, error) {
	pickup, err := json.Marshal(t.Pickup)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode pickup: %w", err)
	}
	dropoff, err := json.Marshal(t.Dropoff)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode dropoff: %w", err)
	}

	row := taskRow{
		ID:                 t.ID,
		TenantID:           t.TenantID,
		OrderID:            t.OrderID,
		Pickup:             pickup,
		Dropoff:            dropoff,
		OrderValueCents:    t.OrderValueCents,
		TipCents:           t.TipCents,
		Mode:               string(t.Mode),
		ProviderID:         nullString(string(t.ProviderID)),
		ProviderDeliveryID: nullString(t.ProviderDeliveryID),
		QuoteID:            nullString(t.QuoteID),
		DriverID:           nullString(t.DriverID),
		Status:             string(t.Status),
		FeeCents:           t.FeeCents,
		TrackingURL:        nullString(t.TrackingURL),
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if t.PreviousTaskID != nil {
		row.PreviousTaskID = nullString(*t.PreviousTaskID)
	}
	if t.Courier != nil {
		courier, err := json.Marshal(t.Courier)
		if err != nil {
			return taskRow{}, fmt.Errorf("encode courier: %w", err)
		}
		row.Courier = types.NullJSONText{JSONText: courier, Valid: true}
	}
	return row, nil
}

func (r taskRow) toTask() (models.DeliveryTask, error) {
	t := models.DeliveryTask{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		OrderID:            r.OrderID,
		OrderValueCents:    r.OrderValueCents,
		TipCents:           r.TipCents,
		Mode:               models.FulfillmentMode(r.Mode),
		ProviderID:         models.ProviderID(r.ProviderID.String),
		ProviderDeliveryID: r.ProviderDeliveryID.String,
		QuoteID:            r.QuoteID.String,
		DriverID:           r.DriverID.String,
		Status:             models.DeliveryStatus(r.Status),
		FeeCents:           r.FeeCents,
		TrackingURL:        r.TrackingURL.String,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.PreviousTaskID.Valid {
		prev := r.PreviousTaskID.String
		t.PreviousTaskID = &prev
	}
	if err := r.Pickup.Unmarshal(&t.Pickup); err != nil {
		return t, fmt.Errorf("decode pickup: %w", err)
	}
	if err := r.Dropoff.Unmarshal(&t.Dropoff); err != nil {
		return t, fmt.Errorf("decode dropoff: %w", err)
	}
	if r.Courier.Valid {
		var c models.Courier
		if err := r.Courier.Unmarshal(&c); err != nil {
			return t, fmt.Errorf("decode courier: %w", err)
		}
		t.Courier = &c
	}
	return t, nil
}

const taskColumns = `id, tenant_id, order_id, previous_task_id, pickup, dropoff, order_value_cents, tip_cents,
	fulfillment_mode, provider_id, provider_delivery_id, quote_id, driver_id, status, fee_cents,
	tracking_url, courier, created_at, updated_at`

func (s *TaskStore) Create(ctx context.Context, task models.DeliveryTask) error {
	row, err := toTaskRow(task)
	if err != nil {
		return err
	}

	query := `INSERT INTO delivery_tasks (` + taskColumns + `) VALUES (
		:id, :tenant_id, :order_id, :previous_task_id, :pickup, :dropoff, :order_value_cents, :tip_cents,
		:fulfillment_mode, :provider_id, :provider_delivery_id, :quote_id, :driver_id, :status, :fee_cents,
		:tracking_url, :courier, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "idx_delivery_tasks_active_order" {
			return fmt.Errorf("%w: order %s", apperrors.ErrActiveTaskExists, task.OrderID)
		}
		return fmt.Errorf("failed to insert delivery task: %w", err)
	}
	return nil
}

func (s *TaskStore) Update(ctx context.Context, task models.DeliveryTask) error {
	row, err := toTaskRow(task)
	if err != nil {
		return err
	}

	query := `UPDATE delivery_tasks SET
		status = :status,
		provider_delivery_id = :provider_delivery_id,
		driver_id = :driver_id,
		fee_cents = :fee_cents,
		tracking_url = :tracking_url,
		courier = :courier,
		updated_at = :updated_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update delivery task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrTaskNotFound, task.ID)
	}
	return nil
}

func (s *TaskStore) getOne(ctx context.Context, notFound string, query string, args ...any) (models.DeliveryTask, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeliveryTask{}, fmt.Errorf("%w: %s", apperrors.ErrTaskNotFound, notFound)
		}
		return models.DeliveryTask{}, fmt.Errorf("failed to get delivery task: %w", err)
	}
	return row.toTask()
}

func (s *TaskStore) Get(ctx context.Context, id string) (models.DeliveryTask, error) {
	return s.getOne(ctx, id, `SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1`, id)
}

func (s *TaskStore) ActiveForOrder(ctx context.Context, tenantID, orderID string) (models.DeliveryTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delivery_tasks
		WHERE tenant_id = $1 AND order_id = $2
		AND status NOT IN ('delivered', 'cancelled', 'returned')`
	return s.getOne(ctx, "no active task for order "+orderID, query, tenantID, orderID)
}

func (s *TaskStore) FindByProviderDelivery(ctx context.Context, provider models.ProviderID, providerDeliveryID string) (models.DeliveryTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delivery_tasks WHERE provider_id = $1 AND provider_delivery_id = $2`
	return s.getOne(ctx, string(provider)+" delivery "+providerDeliveryID, query, string(provider), providerDeliveryID)
}

func (s *TaskStore) ListForOrder(ctx context.Context, tenantID, orderID string) ([]models.DeliveryTask, error) {
	var rows []taskRow
	query := `SELECT ` + taskColumns + ` FROM delivery_tasks
		WHERE tenant_id = $1 AND order_id = $2
		ORDER BY created_at ASC, id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, orderID); err != nil {
		return nil, fmt.Errorf("failed to list delivery tasks: %w", err)
	}

	tasks := make([]models.DeliveryTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
