package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clarusmed/webhookd/internal/config"
	"github.com/clarusmed/webhookd/internal/db"
	"github.com/clarusmed/webhookd/internal/health"
	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/metrics"
	"github.com/clarusmed/webhookd/internal/store/postgres"
	"github.com/clarusmed/webhookd/internal/tracing"
	"github.com/clarusmed/webhookd/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("webhookd-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "webhookd-worker")
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

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("webhookd-worker", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	workers := webhook.NewPool(hostname, webhook.WorkerConfig{
		Workers:          cfg.Worker.Count,
		ClaimLimit:       cfg.Worker.ClaimLimit,
		PollInterval:     cfg.Worker.PollInterval,
		RequestTimeout:   cfg.Worker.RequestTimeout,
		MaxResponseBytes: cfg.Worker.MaxResponseBytes,
		SignatureHeader:  cfg.Webhook.SignatureHeader,
		TimestampHeader:  cfg.Webhook.TimestampHeader,
		EventTypeHeader:  cfg.Webhook.EventTypeHeader,
		DeliveryIDHeader: cfg.Webhook.DeliveryIDHeader,
	}, store, store,
		webhook.Schedule{Max: cfg.Worker.MaxBackoff},
		webhook.NewClassifier(cfg.Worker.RetryableStatusCodes),
		logger,
	)

	// NSQ consumer: wake-up nudges only. The store claim is the source of
	// truth, so every message is finished immediately.
	var consumer *nsq.Consumer
	if cfg.NSQ.Enabled {
		conf := nsq.NewConfig()
		conf.MaxInFlight = 1000
		consumer, err = nsq.NewConsumer(cfg.NSQ.WakeTopic, cfg.NSQ.WorkerChannel, conf)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
			var n webhook.Nudge
			if err := json.Unmarshal(m.Body, &n); err != nil {
				logger.Plain().WithError(err).Warn("bad nudge payload")
				return nil
			}
			nctx := tracing.ExtractTraceFromNSQ(ctx, n.TraceHeaders)
			tracing.AddSpanEvent(nctx, "worker.nudged")
			workers.Wake()
			return nil
		}))
		// Connecting directly to NSQD forces channel creation, instead of the
		// channel being lazily created on first publish
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsqd failed")
		}
		if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("connect to lookupd failed")
		}
	}

	// Start backlog monitoring
	startBacklogMonitor(ctx, store, logger)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workers.Run(ctx)
	}()

	logger.Plain().WithField("workers", cfg.Worker.Count).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	cancel()
	<-poolDone
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// startBacklogMonitor periodically refreshes the backlog gauges from the store.
func startBacklogMonitor(ctx context.Context, store *postgres.Store, logger *logging.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			due, delivering, err := store.Backlog(ctx, time.Now().UTC())
			if err != nil {
				if ctx.Err() == nil {
					logger.Plain().WithError(err).Error("backlog query failed")
				}
				continue
			}
			metrics.UpdateBacklog(due, delivering)
		}
	}()
}
