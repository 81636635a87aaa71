package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/config"
	"dispatch-backend/internal/database"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/events"
	"dispatch-backend/internal/handlers"
	"dispatch-backend/internal/logger"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/providers"
	"dispatch-backend/internal/services"
	"dispatch-backend/internal/tracking"
	"dispatch-backend/internal/websocket"
)

const banner = "═══════════════════════════════════════════════════════════════════"

func fatal(msg string, err error) {
	logrus.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logrus.WithError(err).Error("❌ FATAL ERROR: " + msg)
	logrus.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	os.Exit(1)
}

func main() {
	logrus.Info(banner)
	logrus.Info("🚀 DISPATCH BACKEND SERVER STARTING")
	logrus.Info(banner)

	cfg, err := config.Load()
	if err != nil {
		fatal("Configuration is invalid", err)
	}
	logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Info("🔌 Connecting to database...")
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("Database connection failed", err)
	}
	defer db.Close()

	logrus.Info("🔄 Running database migrations...")
	if err := database.Migrate(ctx, db); err != nil {
		fatal("Database migrations failed", err)
	}
	logrus.Info("✅ Database migrations completed")

	// Firebase is optional: without it there are no pushes and no mirror
	var fbApp *firebase.App
	fbApp, err = services.NewFirebaseApp(ctx, services.FirebaseCredentials{
		Base64:      cfg.FirebaseCredentialsBase64,
		File:        cfg.FirebaseCredentialsFile,
		DatabaseURL: cfg.FirebaseDatabaseURL,
	})
	if err != nil {
		logrus.WithError(err).Warn("⚠️  Firebase unavailable (push notifications and realtime mirror disabled)")
		fbApp = nil
	}

	ch, closeChannel := openChannel(ctx, cfg, fbApp)
	defer closeChannel()

	store := presence.NewStore(presence.Options{
		Channel:         ch,
		Throttle:        channel.NewThrottle(ch, cfg.PublishInterval),
		Recorder:        database.NewSessionRecorder(db),
		LivenessTimeout: cfg.LivenessTimeout,
	})
	defer store.Close()

	gateway := providers.NewGateway(providers.Timeouts{
		Quote:  cfg.ProviderQuoteTimeout,
		Create: cfg.ProviderCreateTimeout,
		Status: cfg.ProviderStatusTimeout,
	}, configuredProviders(cfg)...)

	tasks := database.NewTaskStore(db)
	opts := dispatch.Options{Presence: store, Gateway: gateway, Tasks: tasks}
	if cfg.GoogleMapsAPIKey != "" {
		geocoder, err := services.NewGeocodingService(cfg.GoogleMapsAPIKey)
		if err != nil {
			fatal("Geocoder setup failed", err)
		}
		opts.Geocoder = geocoder
		logrus.Info("✅ Google geocoding enabled")
	}
	coord := dispatch.NewCoordinator(opts)

	hub := websocket.NewHub(websocket.DriverDisconnected(store))
	go hub.Run(ctx)
	store.AddListener(hub.HandlePresence)
	coord.AddListener(hub.HandleTaskEvent)
	logrus.Info("✅ WebSocket hub started")

	if cfg.RabbitMQURL != "" {
		publisher, err := events.Connect(ctx, cfg.RabbitMQURL)
		if err != nil {
			logrus.WithError(err).Warn("⚠️  RabbitMQ unavailable, task events will not be published")
		} else {
			defer publisher.Close()
			coord.AddListener(publisher.HandleTaskEvent)
		}
	}

	if fbApp != nil {
		fcm, err := services.NewFCMService(ctx, fbApp, store.Get)
		if err != nil {
			logrus.WithError(err).Warn("⚠️  FCM unavailable, push notifications disabled")
		} else {
			coord.AddListener(fcm.HandleTaskEvent)
		}
	}

	facade := tracking.NewFacade(tracking.Options{
		Presence:     store,
		Channel:      ch,
		Gateway:      gateway,
		Tasks:        tasks,
		PollInterval: cfg.TrackPollInterval,
		SpeedMps:     cfg.AssumedSpeedMps,
	})
	coord.AddListener(facade.HandleTaskEvent)

	go store.RunLivenessMonitor(ctx, cfg.LivenessInterval)

	router := handlers.NewRouter(handlers.Deps{
		Presence:    store,
		Coordinator: coord,
		Tracking:    facade,
		Sockets: &websocket.Server{
			Hub:         hub,
			Presence:    store,
			Coordinator: coord,
			Tracking:    facade,
			JWTSecret:   cfg.JWTSecret,
		},
		JWTSecret:       cfg.JWTSecret,
		AssumedSpeedMps: cfg.AssumedSpeedMps,
		AccessLog:       true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.Info(banner)
	logrus.Info("✅ ALL INITIALIZATION COMPLETE")
	logrus.Infof("🚀 Server starting on http://localhost:%s", cfg.Port)
	logrus.WithField("providers", gateway.Configured()).Info("🔌 Ready to accept requests!")
	logrus.Info(banner)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("Server failed to start", err)
		}
	case <-ctx.Done():
		logrus.Info("🛑 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("⚠️  Graceful shutdown incomplete")
		}
	}
	logrus.Info("👋 Server stopped")
}

// openChannel selects Redis when configured, falling back to the in-process
// channel, and mirrors driver topics to the Firebase realtime database
func openChannel(ctx context.Context, cfg config.Config, app *firebase.App) (channel.Channel, func()) {
	var ch channel.Channel = channel.NewMemory()
	closeFn := func() {}

	if cfg.RedisURL != "" {
		rc, err := channel.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logrus.WithError(err).Warn("⚠️  Redis unavailable, using in-process location channel")
		} else {
			ch = rc
			closeFn = func() { rc.Close() }
			logrus.Info("✅ Redis location channel connected")
		}
	}

	if app != nil && cfg.FirebaseDatabaseURL != "" {
		mirror, err := services.NewRealtimeMirror(ctx, app)
		if err != nil {
			logrus.WithError(err).Warn("⚠️  Realtime database mirror disabled")
		} else {
			ch = channel.Mirrored(ch, mirror)
			logrus.Info("✅ Mirroring driver locations to Firebase realtime database")
		}
	}
	return ch, closeFn
}

func configuredProviders(cfg config.Config) []providers.Provider {
	var out []providers.Provider
	if cfg.DoorDash.Enabled() {
		dd, err := providers.NewDoorDash(providers.DoorDashConfig{
			DeveloperID:   cfg.DoorDash.DeveloperID,
			KeyID:         cfg.DoorDash.KeyID,
			SigningSecret: cfg.DoorDash.SigningSecret,
			WebhookSecret: cfg.DoorDash.WebhookSecret,
			BaseURL:       cfg.DoorDash.BaseURL,
		})
		if err != nil {
			logrus.WithError(err).Warn("⚠️  DoorDash disabled")
		} else {
			out = append(out, dd)
		}
	}
	if cfg.Uber.Enabled() {
		ub, err := providers.NewUber(providers.UberConfig{
			CustomerID:    cfg.Uber.CustomerID,
			ClientID:      cfg.Uber.ClientID,
			ClientSecret:  cfg.Uber.ClientSecret,
			WebhookSecret: cfg.Uber.WebhookSecret,
			BaseURL:       cfg.Uber.BaseURL,
			TokenURL:      cfg.Uber.TokenURL,
		})
		if err != nil {
			logrus.WithError(err).Warn("⚠️  Uber disabled")
		} else {
			out = append(out, ub)
		}
	}
	return out
}
