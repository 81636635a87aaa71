package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"dispatch-backend/internal/models"
)

// SessionRecorder keeps the last known presence of each driver in
// driver_current_location. It satisfies presence.Recorder.
type SessionRecorder struct {
	db *sqlx.DB
}

func NewSessionRecorder(db *sqlx.DB) *SessionRecorder {
	return &SessionRecorder{db: db}
}

type sessionRow struct {
	TenantID       string          `db:"tenant_id"`
	DriverID       string          `db:"driver_id"`
	Status         string          `db:"status"`
	CurrentOrderID sql.NullString  `db:"current_order_id"`
	Latitude       sql.NullFloat64 `db:"latitude"`
	Longitude      sql.NullFloat64 `db:"longitude"`
	Heading        sql.NullFloat64 `db:"heading"`
	Speed          sql.NullFloat64 `db:"speed"`
	Accuracy       sql.NullFloat64 `db:"accuracy"`
	Timestamp      sql.NullInt64   `db:"timestamp"`
	LastSeenAt     int64           `db:"last_seen_at"`
	UpdatedAt      int64           `db:"updated_at"`
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func toSessionRow(s models.DriverSession) sessionRow {
	row := sessionRow{
		TenantID:       s.TenantID,
		DriverID:       s.DriverID,
		Status:         string(s.Status),
		CurrentOrderID: nullString(s.OrderID()),
		LastSeenAt:     s.LastSeenAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if loc := s.Location; loc != nil {
		row.Latitude = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		row.Longitude = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		row.Heading = nullFloat(loc.HeadingDeg)
		row.Speed = nullFloat(loc.SpeedMps)
		row.Accuracy = nullFloat(loc.AccuracyM)
		row.Timestamp = sql.NullInt64{Int64: loc.TimestampMs, Valid: true}
	}
	return row
}

func (r sessionRow) toSession() models.DriverSession {
	s := models.DriverSession{
		TenantID:   r.TenantID,
		DriverID:   r.DriverID,
		Status:     models.DriverStatus(r.Status),
		LastSeenAt: r.LastSeenAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.CurrentOrderID.Valid {
		id := r.CurrentOrderID.String
		s.CurrentOrderID = &id
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		s.Location = &models.Location{
			Latitude:    r.Latitude.Float64,
			Longitude:   r.Longitude.Float64,
			TimestampMs: r.Timestamp.Int64,
			HeadingDeg:  floatPtr(r.Heading),
			SpeedMps:    floatPtr(r.Speed),
			AccuracyM:   floatPtr(r.Accuracy),
		}
	}
	return s
}

// SaveSession upserts the snapshot. Older snapshots never overwrite newer ones.
func (r *SessionRecorder) SaveSession(ctx context.Context, session models.DriverSession) error {
	query := `
		INSERT INTO driver_current_location (
			tenant_id, driver_id, status, current_order_id, latitude, longitude,
			heading, speed, accuracy, timestamp, last_seen_at, updated_at
		) VALUES (
			:tenant_id, :driver_id, :status, :current_order_id, :latitude, :longitude,
			:heading, :speed, :accuracy, :timestamp, :last_seen_at, :updated_at
		)
		ON CONFLICT (tenant_id, driver_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_order_id = EXCLUDED.current_order_id,
			latitude = COALESCE(EXCLUDED.latitude, driver_current_location.latitude),
			longitude = COALESCE(EXCLUDED.longitude, driver_current_location.longitude),
			heading = COALESCE(EXCLUDED.heading, driver_current_location.heading),
			speed = COALESCE(EXCLUDED.speed, driver_current_location.speed),
			accuracy = COALESCE(EXCLUDED.accuracy, driver_current_location.accuracy),
			timestamp = COALESCE(EXCLUDED.timestamp, driver_current_location.timestamp),
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
		WHERE driver_current_location.updated_at <= EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, toSessionRow(session)); err != nil {
		return fmt.Errorf("failed to save driver session %s: %w", session.Key(), err)
	}
	return nil
}

// LastKnown returns the recorded snapshots of a tenant's drivers, most recent first
func (r *SessionRecorder) LastKnown(ctx context.Context, tenantID string) ([]models.DriverSession, error) {
	var rows []sessionRow
	query := `SELECT tenant_id, driver_id, status, current_order_id, latitude, longitude,
		heading, speed, accuracy, timestamp, last_seen_at, updated_at
		FROM driver_current_location
		WHERE tenant_id = $1
		ORDER BY updated_at DESC`
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load driver sessions: %w", err)
	}

	sessions := make([]models.DriverSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toSession())
	}
	return sessions, nil
}
