package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/metrics"
	"github.com/clarusmed/webhookd/internal/tracing"
)

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	Workers          int
	ClaimLimit       int
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	MaxResponseBytes int

	SignatureHeader  string
	TimestampHeader  string
	EventTypeHeader  string
	DeliveryIDHeader string
}

func (c *WorkerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 4096
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = "X-Clarus-Signature"
	}
	if c.TimestampHeader == "" {
		c.TimestampHeader = "X-Clarus-Timestamp"
	}
	if c.EventTypeHeader == "" {
		c.EventTypeHeader = "X-Clarus-Event"
	}
	if c.DeliveryIDHeader == "" {
		c.DeliveryIDHeader = "X-Clarus-Delivery"
	}
}

// Pool is a fixed-size set of symmetric workers, each looping
// claim → execute → finalize against the same durable queue of due
// deliveries. Exclusivity comes entirely from the store's claim protocol;
// workers share no state beyond the wake channel.
type Pool struct {
	name       string
	cfg        WorkerConfig
	subs       SubscriptionStore
	store      DeliveryStore
	schedule   Schedule
	classifier Classifier
	client     *http.Client
	logger     *logging.Logger

	wake chan struct{}
	now  func() time.Time
}

// NewPool constructs a worker pool. name prefixes the per-worker ids that
// own claim leases.
func NewPool(name string, cfg WorkerConfig, subs SubscriptionStore, store DeliveryStore, schedule Schedule, classifier Classifier, logger *logging.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		name:       name,
		cfg:        cfg,
		subs:       subs,
		store:      store,
		schedule:   schedule,
		classifier: classifier,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// SetClock overrides the pool's clock for deterministic tests.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// SetHTTPClient overrides the attempt client. The client's timeout is the
// hard bound on a single attempt.
func (p *Pool) SetHTTPClient(c *http.Client) { p.client = c }

// Wake nudges idle workers to claim immediately instead of waiting out the
// poll interval. Safe to call from any goroutine; redundant nudges coalesce.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained their current attempt.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		n := p.claimAndProcess(ctx, workerID)
		if n > 0 {
			// More work may be due; claim again right away.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Pool) claimAndProcess(ctx context.Context, workerID string) int {
	batch, err := p.store.Claim(ctx, workerID, p.cfg.ClaimLimit, p.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Plain().WithWorker(workerID).WithError(err).Error("claim failed")
		}
		return 0
	}
	metrics.ObserveClaimBatch(len(batch))
	for _, d := range batch {
		p.process(ctx, workerID, d)
	}
	return len(batch)
}

// process executes one attempt for a claimed delivery and finalizes it.
// Attempts for a given delivery are strictly sequential because this worker
// holds its lease until finalize or expiry.
func (p *Pool) process(ctx context.Context, workerID string, d *Delivery) {
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", d.ID),
		attribute.String("event_id", d.EventID),
		attribute.String("tenant_id", d.TenantID),
		attribute.String("subscription_id", d.SubscriptionID),
		attribute.String("event_type", d.EventType),
		attribute.Int("attempt", d.AttemptCount+1),
	)
	defer span.End()

	// Secret is read fresh on every attempt so rotation takes effect on
	// in-flight deliveries.
	tracing.AddSpanEvent(ctx, "store.get_subscription")
	sub, err := p.subs.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The subscription is gone; the delivery can never be signed.
			res := AttemptResult{Error: "subscription missing"}
			p.finalizeExhausted(ctx, workerID, d, res, "subscription_missing")
			return
		}
		// Store trouble: leave the row delivering, lease expiry reclaims it.
		tracing.SetSpanError(ctx, err)
		p.logger.WithContext(ctx).WithWorker(workerID).WithDelivery(d.ID).WithError(err).Error("load subscription failed")
		return
	}

	res, rawErr := p.execute(ctx, d, sub)
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Duration.Milliseconds()),
	)
	if rawErr != nil {
		span.SetAttributes(attribute.String("http.error", rawErr.Error()))
		// A pool shutdown mid-attempt is not a delivery failure; leave the
		// row leased and let expiry hand it to another worker.
		if errors.Is(rawErr, context.Canceled) && ctx.Err() != nil {
			return
		}
	}
	metrics.ObserveAttempt(metrics.StatusClass(res.StatusCode), res.Duration)

	outcome := p.classifier.Classify(rawErr, res.StatusCode)
	newAttempt := d.AttemptCount + 1
	now := p.now().UTC()

	switch {
	case outcome == OutcomeSuccess:
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := p.store.FinalizeSuccess(ctx, d, res, now); err != nil {
			p.logFinalizeError(ctx, workerID, d, err)
			return
		}
		metrics.RecordDelivery("delivered")
		span.SetAttributes(attribute.String("delivery.final_status", string(StatusDelivered)))

	case outcome == OutcomeRetryableFailure && newAttempt <= sub.MaxRetries:
		reason := p.classifier.Reason(rawErr, res.StatusCode)
		nextAt := p.schedule.NextRetryAt(now, sub.RetryDelay(), newAttempt)
		tracing.AddSpanEvent(ctx, "delivery.retry",
			attribute.Int("attempt", newAttempt),
			attribute.String("reason", reason),
			attribute.String("next_retry_at", nextAt.Format(time.RFC3339)),
		)
		if err := p.store.FinalizeRetry(ctx, d, res, nextAt, now); err != nil {
			p.logFinalizeError(ctx, workerID, d, err)
			return
		}
		metrics.RecordDelivery("retried")
		metrics.RecordRetry(reason)
		p.logger.WithContext(ctx).WithWorker(workerID).WithDelivery(d.ID).WithFields(map[string]any{
			"attempt": newAttempt,
			"reason":  reason,
			"next":    nextAt.Format(time.RFC3339),
		}).Info("delivery requeued")
		span.SetAttributes(attribute.String("delivery.final_status", string(StatusPending)))

	default:
		reason := p.classifier.Reason(rawErr, res.StatusCode)
		if outcome == OutcomeRetryableFailure {
			reason = "max_attempts"
		}
		p.finalizeExhausted(ctx, workerID, d, res, reason)
	}
}

func (p *Pool) finalizeExhausted(ctx context.Context, workerID string, d *Delivery, res AttemptResult, reason string) {
	tracing.AddSpanEvent(ctx, "delivery.exhausted", attribute.String("reason", reason))
	if err := p.store.FinalizeExhausted(ctx, d, res, p.now().UTC()); err != nil {
		p.logFinalizeError(ctx, workerID, d, err)
		return
	}
	metrics.RecordDelivery("exhausted")
	metrics.RecordExhausted(reason)
	p.logger.WithContext(ctx).WithWorker(workerID).WithDelivery(d.ID).WithFields(map[string]any{
		"reason":      reason,
		"http_status": res.StatusCode,
	}).Warn("delivery exhausted")
}

func (p *Pool) logFinalizeError(ctx context.Context, workerID string, d *Delivery, err error) {
	tracing.SetSpanError(ctx, err)
	entry := p.logger.WithContext(ctx).WithWorker(workerID).WithDelivery(d.ID).WithError(err)
	if errors.Is(err, ErrLeaseLost) {
		entry.Warn("finalize skipped, lease lost")
		return
	}
	// The row stays delivering until the lease expires; that expiry is the
	// sole recovery path for an uncommitted finalize.
	entry.Error("finalize failed")
}

// execute builds the signed request and performs one bounded HTTP attempt.
func (p *Pool) execute(ctx context.Context, d *Delivery, sub *Subscription) (AttemptResult, error) {
	tracing.AddSpanEvent(ctx, "http.sign_request")
	ts := p.now().UTC()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		// A URL that cannot form a request will never succeed.
		return AttemptResult{Error: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(p.cfg.SignatureHeader, SignatureHeader(sub.Secret, d.Payload, ts))
	req.Header.Set(p.cfg.TimestampHeader, TimestampHeader(ts))
	req.Header.Set(p.cfg.EventTypeHeader, d.EventType)
	req.Header.Set(p.cfg.DeliveryIDHeader, d.ID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := p.now()
	resp, doErr := p.client.Do(req)
	res := AttemptResult{Duration: p.now().Sub(start)}
	if doErr != nil {
		res.Error = doErr.Error()
		return res, doErr
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(p.cfg.MaxResponseBytes)))
	res.Body = string(body)
	return res, nil
}
