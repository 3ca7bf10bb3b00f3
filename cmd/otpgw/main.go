package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otpgw/otpgw/internal/ami"
	"github.com/otpgw/otpgw/internal/api"
	"github.com/otpgw/otpgw/internal/ari"
	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/database/models"
	"github.com/otpgw/otpgw/internal/dispatch"
	"github.com/otpgw/otpgw/internal/events"
	"github.com/otpgw/otpgw/internal/fraud"
	"github.com/otpgw/otpgw/internal/geoip"
	"github.com/otpgw/otpgw/internal/metrics"
	"github.com/otpgw/otpgw/internal/routing"
	"github.com/otpgw/otpgw/internal/sms"
	"github.com/otpgw/otpgw/internal/status"
	"github.com/otpgw/otpgw/internal/tracker"
	"github.com/otpgw/otpgw/internal/voice"
	"github.com/otpgw/otpgw/internal/webhook"
	"github.com/otpgw/otpgw/internal/ws"
)

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting otpgw",
		"version", config.Version,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"sms_enabled", cfg.SMSAPIURL != "",
		"voice_enabled", cfg.ARIURL != "",
	)

	startTime := time.Now()

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// GeoIP is best effort: missing database files degrade fraud
	// scoring, they never stop the gateway.
	geo := geoip.Open(cfg.GeoIPCountryDB, cfg.GeoIPASNDB, logger)
	defer geo.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Live push hub and outbound webhook queue feed the event bus.
	hub := ws.NewHub(logger)
	go hub.Run(appCtx)

	hooks := webhook.NewDispatcher(config.Version, logger)
	hooks.Start()

	bus := events.NewBus(db, hub, hooks, logger)
	engine := fraud.New(cfg, db, geo, logger)
	trk := tracker.New()

	// Caller-ID routing table, loaded once here and reloaded by the
	// admin API on every route change.
	router := routing.NewRouter(database.NewCallerIDRouteRepository(db), logger)
	if n, err := router.Reload(appCtx); err != nil {
		slog.Error("failed to load caller-id routes", "error", err)
		os.Exit(1)
	} else {
		slog.Info("caller-id routes loaded", "count", n)
	}

	// Channel providers. Each channel is optional; dispatch fails over
	// across whatever is configured.
	providers := make(map[string]dispatch.Provider)

	if cfg.SMSAPIURL != "" {
		providers[status.ChannelSMS] = sms.New(cfg, bus, logger)
	}

	var ariClient *ari.Client
	if cfg.ARIURL != "" {
		ariClient = ari.New(cfg, logger)
		synth := voice.NewSynthesizer(cfg, logger)
		orch := voice.NewOrchestrator(cfg, db, ariClient, synth, trk, bus, logger)
		providers[status.ChannelVoice] = orch

		go ariClient.Listen(appCtx, orch)
		synth.StartPromptCleanup(appCtx, 15*time.Minute)

		// The AMI side catches call failures that never reach ARI
		// (congestion, early media teardown, Q.850 causes).
		if cfg.AMIUsername != "" {
			go ami.NewListener(cfg, db, trk, bus, logger).Run(appCtx)
		}
	}

	if len(providers) == 0 {
		slog.Warn("no delivery channels configured, all requests will fail over to nothing")
	}

	sim := dispatch.NewSimulator(bus, logger)
	svc := dispatch.NewService(cfg, db, engine, router, sim, providers, bus, hub, logger)
	svc.StartExpirySweeper(appCtx, time.Minute)

	if err := bootstrapAdmin(appCtx, cfg, db); err != nil {
		slog.Error("failed to bootstrap admin user", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	// Prometheus registry with only our own collector; scrape-time
	// gauges, no background sampling.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(trk, database.NewRequestRepository(db), hooks, hub, startTime))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	var telephony api.TelephonyStatus
	if ariClient != nil {
		telephony = ariClient
	}

	handler := api.NewServer(cfg, db, api.Deps{
		Dispatcher: svc,
		Bus:        bus,
		Fraud:      engine,
		Router:     router,
		Push:       hub,
		Telephony:  telephony,
		Metrics:    metricsHandler,
		JWTSecret:  jwtSecret,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	handler.Close()

	// Drain queued delivery reports before exit.
	if err := hooks.Stop(ctx); err != nil {
		slog.Warn("webhook queue did not drain", "error", err)
	}

	slog.Info("otpgw stopped")
}

// bootstrapAdmin creates the initial admin user on an empty install.
// An empty bootstrap password skips creation entirely.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, db *database.DB) error {
	if cfg.AdminPassword == "" {
		return nil
	}

	admins := database.NewAdminUserRepository(db)
	count, err := admins.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := database.HashSecret(cfg.AdminPassword)
	if err != nil {
		return err
	}
	if err := admins.Create(ctx, &models.AdminUser{
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
	}); err != nil {
		return err
	}

	slog.Info("bootstrap admin user created", "username", cfg.AdminUsername)
	return nil
}
