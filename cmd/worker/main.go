package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upscript/marketing-relay/internal/config"
	"github.com/upscript/marketing-relay/internal/db"
	"github.com/upscript/marketing-relay/internal/forward"
	"github.com/upscript/marketing-relay/internal/health"
	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/metrics"
	"github.com/upscript/marketing-relay/internal/scheduler"
	"github.com/upscript/marketing-relay/internal/secrets"
	"github.com/upscript/marketing-relay/internal/store"
	"github.com/upscript/marketing-relay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("relay-worker")

	shutdown, err := tracing.InitTracing(ctx, "relay-worker")
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

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/readyz", health.Handler("relay-worker", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	var codec *secrets.Codec
	if cfg.EncryptionKey != "" {
		codec, err = secrets.NewCodec(cfg.EncryptionKey)
		if err != nil {
			logger.Plain().WithError(err).Fatal("invalid credential encryption key")
		}
	} else {
		logger.Plain().Warn("CREDENTIAL_ENCRYPTION_KEY not set, encrypted credentials cannot be used")
	}

	httpClient := &http.Client{Timeout: cfg.Worker.DispatchTimeout}
	registry := forward.DefaultRegistry(httpClient)

	sched := scheduler.New(store.New(pool), registry, codec, cfg.Worker, logger)

	// NSQ is the wake channel only; the DB claim stays authoritative, so the
	// worker still makes progress on polling alone if NSQ is unavailable.
	consumer, err := scheduler.StartNudgeConsumer(
		cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr,
		cfg.NSQ.WakeTopic, cfg.NSQ.WorkerChannel,
		sched.WakeChan(), logger,
	)
	if err != nil {
		logger.Plain().WithError(err).Warn("nsq consumer unavailable, relying on polling")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sched.Run(ctx) }()

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	cancel()
	<-runDone
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}
