package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/metrics"
	"github.com/clarusmed/webhookd/internal/tracing"
)

// ErrInvalidPublish marks a publish rejected before any state was written.
var ErrInvalidPublish = errors.New("webhook: invalid publish request")

// PublishRequest is the producer-facing event: a tenant, a type tag and an
// opaque JSON payload. The optional idempotency key dedupes repeat publishes.
type PublishRequest struct {
	TenantID       string
	EventType      string
	Payload        json.RawMessage
	IdempotencyKey string
}

// PublishResult reports what a publish created.
type PublishResult struct {
	EventID    string
	Duplicate  bool
	Deliveries []*Delivery
}

// Dispatcher turns a published event into one pending delivery per matching
// subscription. Creation is decoupled from execution: no network I/O happens
// here, so a burst of events never blocks the producer on a slow endpoint.
type Dispatcher struct {
	registry SubscriptionRegistry
	store    DeliveryStore
	logger   *logging.Logger

	now func() time.Time
}

func NewDispatcher(registry SubscriptionRegistry, store DeliveryStore, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the dispatcher's clock. Tests use this for
// deterministic snapshot timestamps.
func (dp *Dispatcher) SetClock(now func() time.Time) { dp.now = now }

// Publish durably creates one pending delivery per subscription matched at
// publish time. Deliveries for different subscriptions are independent: a
// failure persisting one does not drop the others, and the returned error
// joins only the failed ones so the caller can re-publish those.
func (dp *Dispatcher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.Publish",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("event_type", req.EventType),
	)
	defer span.End()

	if req.TenantID == "" || req.EventType == "" || len(req.Payload) == 0 {
		err := fmt.Errorf("%w: tenant_id, event_type, and payload are required", ErrInvalidPublish)
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if !json.Valid(req.Payload) {
		err := fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPublish)
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	now := dp.now().UTC()
	ev := &Event{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		EventType:      req.EventType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	tracing.AddSpanEvent(ctx, "store.create_event")
	created, err := dp.store.CreateEvent(ctx, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("create event: %w", err)
	}
	span.SetAttributes(attribute.String("event_id", ev.ID))

	// Duplicate publish with the same idempotency key: if fan-out already
	// happened, do not fan out again.
	if !created {
		n, err := dp.store.CountDeliveriesForEvent(ctx, ev.ID)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, fmt.Errorf("count existing deliveries: %w", err)
		}
		if n > 0 {
			tracing.AddSpanEvent(ctx, "duplicate_event_detected")
			return &PublishResult{EventID: ev.ID, Duplicate: true}, nil
		}
	}

	tracing.AddSpanEvent(ctx, "registry.match")
	subs, err := dp.registry.Match(ctx, req.TenantID, req.EventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	span.SetAttributes(attribute.Int("subscribers_count", len(subs)))

	res := &PublishResult{EventID: ev.ID}
	var errs []error
	for _, sub := range subs {
		d := &Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        ev.ID,
			TenantID:       req.TenantID, // copied, never re-derived
			EventType:      req.EventType,
			Payload:        req.Payload, // snapshot
			URL:            sub.URL,     // snapshot
			Status:         StatusPending,
			AttemptCount:   0,
			NextRetryAt:    &now, // immediately eligible
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := dp.store.CreateDelivery(ctx, d); err != nil {
			tracing.SetSpanError(ctx, err)
			dp.logger.WithContext(ctx).WithTenant(req.TenantID).WithEvent(ev.ID).
				WithSubscription(sub.ID).WithError(err).Error("create delivery failed")
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		res.Deliveries = append(res.Deliveries, d)
	}

	metrics.RecordEventPublished(req.TenantID)
	span.SetAttributes(attribute.Int("fanout_count", len(res.Deliveries)))

	return res, errors.Join(errs...)
}
