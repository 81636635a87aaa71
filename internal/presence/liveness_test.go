package presence

import (
	"context"
	"testing"
	"time"

	"dispatch-backend/internal/models"
)

func TestSweepStaleMarksSilentDriversOffline(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	quiet := models.DriverKey{TenantID: "acme", DriverID: "quiet"}
	chatty := models.DriverKey{TenantID: "acme", DriverID: "chatty"}

	s.GoOnline(ctx, quiet, "")
	s.Assign(ctx, quiet, "o1")
	s.GoOnline(ctx, chatty, "")

	var orphaned string
	s.OnOrphan(func(key models.DriverKey, orderID string) { orphaned = orderID })

	clock.Advance(45 * time.Second)
	s.Touch(chatty)
	clock.Advance(30 * time.Second)

	swept := s.SweepStale(ctx)
	if len(swept) != 1 || swept[0] != quiet {
		t.Fatalf("swept %v, want only %v", swept, quiet)
	}

	q, _ := s.Get(quiet)
	if q.Status != models.DriverStatusOffline {
		t.Fatalf("quiet driver status = %s", q.Status)
	}
	if orphaned != "o1" {
		t.Fatalf("orphaned order = %q, want o1", orphaned)
	}
	c, _ := s.Get(chatty)
	if c.Status != models.DriverStatusIdle {
		t.Fatalf("chatty driver status = %s", c.Status)
	}

	if again := s.SweepStale(ctx); len(again) != 0 {
		t.Fatalf("second sweep changed %v", again)
	}
}
