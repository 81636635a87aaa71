package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Connect opens the PostgreSQL pool and checks it is reachable
func Connect(ctx context.Context, dbURL string) (*sqlx.DB, error) {
	logrus.WithField("url_prefix", dbURL[:min(30, len(dbURL))]+"...").Info("🔌 Connecting to database")

	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		logrus.WithError(err).Error("❌ Database connection failed")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		logrus.WithError(err).Error("❌ Database ping failed")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Info("✅ Database connection successful")
	return db, nil
}

func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		// One row per delivery attempt; redispatch creates a new row
		`CREATE TABLE IF NOT EXISTS delivery_tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			previous_task_id TEXT REFERENCES delivery_tasks(id) ON DELETE SET NULL,
			pickup JSONB NOT NULL,
			dropoff JSONB NOT NULL,
			order_value_cents BIGINT NOT NULL DEFAULT 0,
			tip_cents BIGINT NOT NULL DEFAULT 0,
			fulfillment_mode TEXT NOT NULL CHECK(fulfillment_mode IN ('in_house', 'provider')),
			provider_id TEXT CHECK(provider_id IS NULL OR provider_id IN ('doordash', 'uber')),
			provider_delivery_id TEXT,
			quote_id TEXT,
			driver_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('created', 'assigned', 'picking_up', 'picked_up', 'delivering', 'delivered', 'cancelled', 'returned')),
			fee_cents BIGINT NOT NULL DEFAULT 0,
			tracking_url TEXT,
			courier JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// At most one active attempt per order
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_tasks_active_order
			ON delivery_tasks(tenant_id, order_id)
			WHERE status NOT IN ('delivered', 'cancelled', 'returned')`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_tasks_order ON delivery_tasks(tenant_id, order_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_tasks_provider_delivery
			ON delivery_tasks(provider_id, provider_delivery_id)
			WHERE provider_delivery_id IS NOT NULL`,

		// Latest presence snapshot per driver, written asynchronously.
		// Live tracking goes through the location channel; this is the fallback
		// for dashboards after a restart.
		`CREATE TABLE IF NOT EXISTS driver_current_location (
			tenant_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_order_id TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			accuracy DOUBLE PRECISION,
			timestamp BIGINT,
			last_seen_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, driver_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_driver_current_location_status ON driver_current_location(tenant_id, status)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	logrus.Info("✓ Database migrations completed")
	return nil
}
