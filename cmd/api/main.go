package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upscript/marketing-relay/internal/auth"
	"github.com/upscript/marketing-relay/internal/config"
	"github.com/upscript/marketing-relay/internal/db"
	"github.com/upscript/marketing-relay/internal/health"
	"github.com/upscript/marketing-relay/internal/httpapi"
	"github.com/upscript/marketing-relay/internal/intake"
	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/metrics"
	"github.com/upscript/marketing-relay/internal/scheduler"
	"github.com/upscript/marketing-relay/internal/store"
	"github.com/upscript/marketing-relay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("relay-api")

	shutdown, err := tracing.InitTracing(ctx, "relay-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema migration failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	st := store.New(pool)
	svc := intake.NewService(st, cfg.Intake.MaxBatchRecords, cfg.Intake.MaxBatchBytes)

	// Wake nudges are best effort; the API runs without NSQ if it is down.
	var wake httpapi.WakePublisher
	nudger, err := scheduler.NewNudger(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.WakeTopic)
	if err != nil {
		logger.Plain().WithError(err).Warn("nsq producer unavailable, workers will rely on polling")
	} else {
		wake = nudger
		defer nudger.Stop()
	}

	var validator *auth.JWTValidator
	if cfg.Auth.JWTPublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.JWTPublicKeyPEM, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("invalid JWT public key")
		}
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY_PEM not set, ingest API is unauthenticated")
	}

	api := httpapi.NewServer(svc, st, wake, validator, logger, cfg.Intake.MaxBatchBytes)

	r := chi.NewRouter()
	r.Mount("/", api.Router())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/readyz", health.Handler("relay-api", pool))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.HTTPPort, Handler: r}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("api server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("api server stopped")
}
