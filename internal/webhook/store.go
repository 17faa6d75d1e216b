package webhook

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a subscription, event or delivery does not exist.
	ErrNotFound = errors.New("webhook: not found")
	// ErrLeaseLost is returned by a finalize call whose lease has been
	// reclaimed; the row belongs to another worker now.
	ErrLeaseLost = errors.New("webhook: delivery lease lost")
)

// SubscriptionRegistry matches a published event to the subscriptions that
// should receive it. Match reads committed state fresh per call; an empty
// match is not an error.
type SubscriptionRegistry interface {
	Match(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
}

// SubscriptionStore is the durable registry of subscriptions.
type SubscriptionStore interface {
	SubscriptionRegistry

	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error)
	// UpdateSubscription rewrites mutable attributes (name, description, URL,
	// event types, retry policy, active flag). Counters are untouched; they
	// move only through DeliveryStore finalize calls.
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

// DeliveryQuery filters ListDeliveries.
type DeliveryQuery struct {
	TenantID       string
	SubscriptionID string
	EventID        string
	Status         DeliveryStatus
	Limit          int
}

// DeliveryStore is the durable record of delivery lifecycles. Claim and the
// finalize methods implement the exclusive-lease protocol: no two concurrent
// Claim calls return the same row, and a finalize commits its row transition
// and the subscription counter increments together or not at all.
type DeliveryStore interface {
	// CreateEvent persists the event. When the event carries an idempotency
	// key that already exists for the tenant, created is false and ev.ID is
	// rewritten to the stored event's id.
	CreateEvent(ctx context.Context, ev *Event) (created bool, err error)
	CountDeliveriesForEvent(ctx context.Context, eventID string) (int, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, q DeliveryQuery) ([]*Delivery, error)

	// Claim atomically selects up to limit deliveries that are pending, due
	// at now, and unleased (or lease-expired), marks them delivering with a
	// lease owned by workerID, and returns only the rows this call won.
	// Subscriptions already at the in-flight cap are skipped.
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*Delivery, error)

	// FinalizeSuccess moves the row to delivered, releases the lease,
	// records the attempt, and bumps total/successful counters plus
	// last_delivery_at/last_success_at on the subscription.
	FinalizeSuccess(ctx context.Context, d *Delivery, res AttemptResult, now time.Time) error
	// FinalizeRetry parks the row back to pending with nextRetryAt set,
	// releases the lease, records the attempt, and bumps the total counter.
	FinalizeRetry(ctx context.Context, d *Delivery, res AttemptResult, nextRetryAt, now time.Time) error
	// FinalizeExhausted moves the row to its terminal failure state,
	// releases the lease, records the attempt, and bumps total/failed
	// counters plus last_failure_at on the subscription.
	FinalizeExhausted(ctx context.Context, d *Delivery, res AttemptResult, now time.Time) error

	// Backlog reports how many deliveries are due for claiming at now and
	// how many are currently leased out.
	Backlog(ctx context.Context, now time.Time) (due, delivering int64, err error)
}
