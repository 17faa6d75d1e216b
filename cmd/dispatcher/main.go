package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clarusmed/webhookd/internal/config"
	"github.com/clarusmed/webhookd/internal/db"
	"github.com/clarusmed/webhookd/internal/health"
	"github.com/clarusmed/webhookd/internal/ingest"
	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/metrics"
	"github.com/clarusmed/webhookd/internal/store/postgres"
	"github.com/clarusmed/webhookd/internal/tracing"
	"github.com/clarusmed/webhookd/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("webhookd-dispatcher")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "webhookd-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	store := postgres.New(pool, postgres.Config{
		LeaseDuration:              cfg.Worker.LeaseDuration,
		MaxInFlightPerSubscription: cfg.Worker.MaxInFlightPerSubscription,
	})
	if err := store.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema migration failed")
	}

	// NSQ producer for worker wake nudges; optional
	var prod *nsq.Producer
	if cfg.NSQ.Enabled {
		prod, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
	}

	dispatcher := webhook.NewDispatcher(store, store, logger)
	api := ingest.NewServer(dispatcher, store, store, cfg.Defaults, prod, cfg.NSQ.WakeTopic, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("webhookd-dispatcher", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", api.Routes())

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}
