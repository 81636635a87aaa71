package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/config"
	"dispatch-backend/internal/database"
	"dispatch-backend/internal/logger"
)

func main() {
	tenant := flag.String("tenant", "", "also list the last recorded driver sessions of this tenant")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Configuration is invalid")
	}
	logger.Setup(logger.Options{Level: cfg.LogLevel})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logrus.WithError(err).Fatal("Migration failed")
	}
	logrus.Info("Migration completed successfully!")

	if err := printSummary(ctx, db); err != nil {
		logrus.WithError(err).Fatal("Failed to query summary")
	}

	if *tenant != "" {
		sessions, err := database.NewSessionRecorder(db).LastKnown(ctx, *tenant)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load driver sessions")
		}
		fmt.Printf("\nLast known drivers for %s:\n", *tenant)
		for _, s := range sessions {
			fmt.Printf("  %-24s %-11s order=%-16s seen=%s\n",
				s.DriverID, s.Status, s.OrderID(), time.UnixMilli(s.LastSeenAt).Format(time.RFC3339))
		}
	}
}

func printSummary(ctx context.Context, db *sqlx.DB) error {
	var counts []struct {
		Status string `db:"status"`
		Total  int    `db:"total"`
	}
	err := db.SelectContext(ctx, &counts, `
		SELECT status, COUNT(*) AS total
		FROM delivery_tasks
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return err
	}

	var drivers int
	if err := db.GetContext(ctx, &drivers, `SELECT COUNT(*) FROM driver_current_location`); err != nil {
		return err
	}

	fmt.Println("\n============================================================")
	fmt.Println("MIGRATION SUMMARY")
	fmt.Println("============================================================")
	for _, c := range counts {
		fmt.Printf("Tasks %-18s %d\n", c.Status+":", c.Total)
	}
	fmt.Printf("Recorded drivers:        %d\n", drivers)
	fmt.Println("============================================================")
	return nil
}
