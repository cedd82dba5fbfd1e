// Command server runs the safety-layer API: family onboarding, two-guardian
// proposal approval, caregiver access grants and the background sweeps that
// advance time-based transitions.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	app "github.com/FamShield/safety_layer/internal/app"
	"github.com/FamShield/safety_layer/internal/app/httpapi"
	"github.com/FamShield/safety_layer/internal/app/metrics"
	"github.com/FamShield/safety_layer/internal/app/storage/postgres"
	"github.com/FamShield/safety_layer/internal/config"
	"github.com/FamShield/safety_layer/internal/logging"
	"github.com/FamShield/safety_layer/internal/middleware"
	"github.com/FamShield/safety_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	log := logger.NewDefault("server")
	ctxLog := logging.New("server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("initialise storage")
		os.Exit(1)
	}
	defer cleanup()

	application, err := app.New(stores, app.Options{
		SweepSchedule:   cfg.SweepSchedule,
		WebhookEndpoint: cfg.WebhookEndpoint,
		WebhookAPIKey:   cfg.WebhookAPIKey,
	}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	var sink httpapi.AuditSink
	if cfg.AuditLogPath != "" {
		jsonl, err := httpapi.NewJSONLSink(cfg.AuditLogPath)
		if err != nil {
			log.WithError(err).Error("open audit log")
			os.Exit(1)
		}
		defer jsonl.Close()
		sink = jsonl
	}

	api := httpapi.NewHandler(application, sink)

	// Rate limiting sits inside auth so limits key on the caller identity.
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst, ctxLog)
	var handler http.Handler = limiter.Handler(api)
	if cfg.JWTPublicKey != "" {
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
		if err != nil {
			log.WithError(err).Error("parse JWT public key")
			os.Exit(1)
		}
		auth := middleware.NewAuthMiddleware(publicKey, ctxLog, []string{"/healthz", "/metrics"})
		handler = auth.Handler(handler)
	} else {
		log.Warn("no JWT public key configured; requests are unauthenticated")
	}
	handler = middleware.LoggingMiddleware(ctxLog)(handler)
	handler = middleware.MetricsMiddleware()(handler)

	root := http.NewServeMux()
	root.Handle("/metrics", metrics.Handler())
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("/", handler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start background services")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop background services")
	}
	log.Info("stopped")
}

// buildStores selects postgres when configured and falls back to the in-memory
// adapter otherwise.
func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no database configured; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return app.Stores{}, nil, err
	}
	return app.Stores{
		Families:  store,
		Children:  store,
		Proposals: store,
		Grants:    store,
		Audit:     store,
	}, func() { store.Close() }, nil
}
