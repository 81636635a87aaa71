package config

import (
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"DATABASE_URL": "postgres://localhost/dispatch",
		"JWT_SECRET":   "s3cret",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.TrackPollInterval != 12*time.Second || cfg.PublishInterval != time.Second {
		t.Errorf("intervals = %v / %v", cfg.TrackPollInterval, cfg.PublishInterval)
	}
	if cfg.AssumedSpeedMps != 7.0 {
		t.Errorf("AssumedSpeedMps = %v", cfg.AssumedSpeedMps)
	}
	if cfg.DoorDash.Enabled() || cfg.Uber.Enabled() {
		t.Error("providers should be disabled without credentials")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"DATABASE_URL":            "postgres://localhost/dispatch",
		"JWT_SECRET":              "s3cret",
		"TRACKING_POLL_INTERVAL":  "30",
		"PROVIDER_CREATE_TIMEOUT": "1500ms",
		"UBER_CUSTOMER_ID":        "cust",
		"UBER_CLIENT_ID":          "id",
		"UBER_CLIENT_SECRET":      "secret",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.TrackPollInterval != 30*time.Second {
		t.Errorf("TrackPollInterval = %v", cfg.TrackPollInterval)
	}
	if cfg.ProviderCreateTimeout != 1500*time.Millisecond {
		t.Errorf("ProviderCreateTimeout = %v", cfg.ProviderCreateTimeout)
	}
	if !cfg.Uber.Enabled() {
		t.Error("uber should be enabled")
	}
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing database", map[string]string{"JWT_SECRET": "x"}, "DATABASE_URL"},
		{"missing jwt", map[string]string{"DATABASE_URL": "postgres://x"}, "JWT_SECRET"},
		{"bad duration", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "x", "DRIVER_LIVENESS_TIMEOUT": "soon"}, "DRIVER_LIVENESS_TIMEOUT"},
		{"bad speed", map[string]string{"DATABASE_URL": "postgres://x", "JWT_SECRET": "x", "ASSUMED_SPEED_MPS": "-3"}, "ASSUMED_SPEED_MPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
