package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/models"
)

// SweepStale marks offline every online driver not heard from within the
// liveness timeout and returns the drivers it changed
func (s *Store) SweepStale(ctx context.Context) []models.DriverKey {
	cutoff := s.now().Add(-s.timeout).UnixMilli()

	var stale []models.DriverKey
	s.sessions.Range(func(k, v any) bool {
		snap := v.(*entry).snap.Load()
		if snap != nil && snap.Status != models.DriverStatusOffline && snap.LastSeenAt < cutoff {
			stale = append(stale, k.(models.DriverKey))
		}
		return true
	})

	var swept []models.DriverKey
	for _, key := range stale {
		// Re-check under the lock; the driver may have reported since the scan.
		_, err := s.mutate(ctx, key, false, func(cur *models.DriverSession, now int64) (models.DriverSession, error) {
			if cur.Status == models.DriverStatusOffline || cur.LastSeenAt >= cutoff {
				return *cur, errNoChange
			}
			swept = append(swept, key)
			return offline(cur), nil
		})
		if err != nil {
			logrus.WithError(err).WithField("driver", key.String()).Warn("⚠️ Liveness sweep failed")
		}
	}
	return swept
}

// RunLivenessMonitor sweeps stale sessions every interval until ctx is done
func (s *Store) RunLivenessMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.timeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.WithField("timeout", s.timeout).Info("💓 Driver liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("💓 Driver liveness monitor stopped")
			return
		case <-ticker.C:
			if swept := s.SweepStale(ctx); len(swept) > 0 {
				logrus.WithField("count", len(swept)).Info("🔌 Marked silent drivers offline")
			}
		}
	}
}
