package eta

import (
	"math"
	"testing"
	"time"

	"dispatch-backend/internal/models"
)

func TestDistanceMeters(t *testing.T) {
	// San Jose City Hall -> SAP Center, roughly 1.9 km apart
	from := models.Coordinates{Lat: 37.3375, Lng: -121.8853}
	to := models.Coordinates{Lat: 37.3327, Lng: -121.9010}

	got := DistanceMeters(from, to)
	if got < 1400 || got > 1600 {
		t.Fatalf("distance = %.0fm, want ~1500m", got)
	}

	if d := DistanceMeters(from, from); d != 0 {
		t.Fatalf("distance to self = %f, want 0", d)
	}

	// One degree of latitude is ~111.2 km everywhere
	deg := DistanceMeters(models.Coordinates{Lat: 0, Lng: 0}, models.Coordinates{Lat: 1, Lng: 0})
	if math.Abs(deg-111195) > 100 {
		t.Fatalf("one degree = %.0fm, want ~111195m", deg)
	}
}

func TestMinutesFloorAndRounding(t *testing.T) {
	p := models.Coordinates{Lat: 37.33, Lng: -121.88}

	if got := Minutes(p, p, 10); got != MinimumMinutes {
		t.Fatalf("same point = %d minutes, want %d", got, MinimumMinutes)
	}

	// ~1112m at 10 m/s is 111s, which rounds up to 2 minutes
	to := models.Coordinates{Lat: 37.34, Lng: -121.88}
	if got := Minutes(p, to, 10); got != 2 {
		t.Fatalf("minutes = %d, want 2", got)
	}

	if got := Estimate(p, to, 10); got != 2*time.Minute {
		t.Fatalf("estimate = %v, want 2m", got)
	}
}

func TestMinutesDefaultSpeed(t *testing.T) {
	from := models.Coordinates{Lat: 37.30, Lng: -121.88}
	to := models.Coordinates{Lat: 37.40, Lng: -121.88}

	if Minutes(from, to, 0) != Minutes(from, to, DefaultSpeedMps) {
		t.Fatal("zero speed should use DefaultSpeedMps")
	}
}

func TestMinutesMonotonicAsDriverApproaches(t *testing.T) {
	dest := models.Coordinates{Lat: 37.3382, Lng: -121.8863}

	prev := math.MaxInt
	for step := 40; step >= 0; step-- {
		driver := models.Coordinates{Lat: dest.Lat + float64(step)*0.005, Lng: dest.Lng}
		got := Minutes(driver, dest, 8)
		if got > prev {
			t.Fatalf("step %d: minutes increased from %d to %d", step, prev, got)
		}
		prev = got
	}
	if prev != MinimumMinutes {
		t.Fatalf("at destination got %d, want %d", prev, MinimumMinutes)
	}
}
