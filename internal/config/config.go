package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration, read once at startup
type Config struct {
	Port     string
	LogLevel string
	LogFile  string

	DatabaseURL string
	RedisURL    string // empty selects the in-process location channel
	RabbitMQURL string // empty disables the task event stream
	JWTSecret   string

	FirebaseCredentialsBase64 string
	FirebaseCredentialsFile   string
	FirebaseDatabaseURL       string // empty disables the realtime mirror

	GoogleMapsAPIKey string

	DoorDash DoorDashConfig
	Uber     UberConfig

	ProviderQuoteTimeout  time.Duration
	ProviderCreateTimeout time.Duration
	ProviderStatusTimeout time.Duration

	PublishInterval   time.Duration // location throttle window per driver
	LivenessTimeout   time.Duration
	LivenessInterval  time.Duration
	TrackPollInterval time.Duration
	AssumedSpeedMps   float64
}

type DoorDashConfig struct {
	DeveloperID   string
	KeyID         string
	SigningSecret string
	WebhookSecret string
	BaseURL       string
}

// Enabled reports whether every credential needed to call Drive is present
func (c DoorDashConfig) Enabled() bool {
	return c.DeveloperID != "" && c.KeyID != "" && c.SigningSecret != ""
}

type UberConfig struct {
	CustomerID    string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	BaseURL       string
	TokenURL      string
}

func (c UberConfig) Enabled() bool {
	return c.CustomerID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// Load reads .env when present, then the environment
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Warn("⚠️  .env file not found, using environment variables from system")
	} else {
		logrus.Info("✅ .env file loaded successfully")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}

	cfg := Config{
		Port:     r.str("PORT", "8080"),
		LogLevel: r.str("LOG_LEVEL", "info"),
		LogFile:  r.str("LOG_FILE", ""),

		DatabaseURL: r.str("DATABASE_URL", ""),
		RedisURL:    r.str("REDIS_URL", ""),
		RabbitMQURL: r.str("RABBITMQ_URL", ""),
		JWTSecret:   r.str("JWT_SECRET", ""),

		FirebaseCredentialsBase64: r.str("FIREBASE_CREDENTIALS_BASE64", ""),
		FirebaseCredentialsFile:   r.str("FIREBASE_CREDENTIALS_FILE", "./firebase-service-account.json"),
		FirebaseDatabaseURL:       r.str("FIREBASE_DATABASE_URL", ""),

		GoogleMapsAPIKey: r.str("GOOGLE_MAPS_API_KEY", ""),

		DoorDash: DoorDashConfig{
			DeveloperID:   r.str("DOORDASH_DEVELOPER_ID", ""),
			KeyID:         r.str("DOORDASH_KEY_ID", ""),
			SigningSecret: r.str("DOORDASH_SIGNING_SECRET", ""),
			WebhookSecret: r.str("DOORDASH_WEBHOOK_SECRET", ""),
			BaseURL:       r.str("DOORDASH_BASE_URL", ""),
		},
		Uber: UberConfig{
			CustomerID:    r.str("UBER_CUSTOMER_ID", ""),
			ClientID:      r.str("UBER_CLIENT_ID", ""),
			ClientSecret:  r.str("UBER_CLIENT_SECRET", ""),
			WebhookSecret: r.str("UBER_WEBHOOK_SECRET", ""),
			BaseURL:       r.str("UBER_BASE_URL", ""),
			TokenURL:      r.str("UBER_TOKEN_URL", ""),
		},

		ProviderQuoteTimeout:  r.duration("PROVIDER_QUOTE_TIMEOUT", 8*time.Second),
		ProviderCreateTimeout: r.duration("PROVIDER_CREATE_TIMEOUT", 20*time.Second),
		ProviderStatusTimeout: r.duration("PROVIDER_STATUS_TIMEOUT", 10*time.Second),

		PublishInterval:   r.duration("LOCATION_PUBLISH_INTERVAL", time.Second),
		LivenessTimeout:   r.duration("DRIVER_LIVENESS_TIMEOUT", 2*time.Minute),
		LivenessInterval:  r.duration("DRIVER_LIVENESS_INTERVAL", 30*time.Second),
		TrackPollInterval: r.duration("TRACKING_POLL_INTERVAL", 12*time.Second),
		AssumedSpeedMps:   r.float("ASSUMED_SPEED_MPS", 7.0),
	}

	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return cfg, nil
}

type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

// duration accepts Go duration strings ("1500ms") or bare seconds ("12")
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) float(key string, def float64) float64 {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return def
	}
	return f
}
