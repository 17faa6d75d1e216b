package webhook

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle state of a delivery row.
type DeliveryStatus string

const (
	// StatusPending marks a delivery that is waiting to be claimed, either
	// brand new or parked between retries (next_retry_at in the future).
	StatusPending DeliveryStatus = "pending"
	// StatusDelivering marks a delivery currently leased by a worker.
	StatusDelivering DeliveryStatus = "delivering"
	// StatusDelivered is terminal: the endpoint acknowledged with a 2xx.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusExhausted is terminal: the attempt ceiling was reached or the
	// failure was classified permanent.
	StatusExhausted DeliveryStatus = "exhausted"
)

// Terminal reports whether the status admits no further transitions.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExhausted
}

// Outcome is the classification of a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableFailure
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// Subscription is a tenant's registration of interest in a set of event
// types, with a target endpoint and retry policy. Counters are mutated only
// by the worker finalizing a delivery.
type Subscription struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	URL         string
	Secret      []byte // never logged or echoed back after creation
	Active      bool
	EventTypes  []string

	MaxRetries        int
	RetryDelaySeconds int

	TotalDeliveries      int64
	SuccessfulDeliveries int64
	FailedDeliveries     int64
	LastDeliveryAt       *time.Time
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscribesTo reports whether the subscription's event-type set contains
// eventType. Order of the set is irrelevant.
func (s *Subscription) SubscribesTo(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// RetryDelay returns the backoff base as a duration.
func (s *Subscription) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// Event is one published domain event: a tagged variant of an event type and
// an opaque JSON payload. The engine never interprets the payload shape.
type Event struct {
	ID             string
	TenantID       string
	EventType      string
	Payload        json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
}

// Delivery is one durable record of delivering one event to one
// subscription. Payload and URL are snapshotted at creation and never change,
// even if the originating subscription is edited afterwards.
type Delivery struct {
	ID             string
	SubscriptionID string
	EventID        string
	TenantID       string
	EventType      string
	Payload        json.RawMessage
	URL            string

	Status       DeliveryStatus
	AttemptCount int
	NextRetryAt  *time.Time

	LeaseOwner     string
	LeaseExpiresAt *time.Time

	ResponseStatusCode *int
	ResponseBody       string
	ErrorMessage       string

	ReplayOf    string
	DeliveredAt *time.Time
	FailedAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptResult captures the observable result of one HTTP attempt. Only the
// most recent attempt is retained on the delivery row.
type AttemptResult struct {
	StatusCode int // 0 when the request never completed
	Body       string
	Error      string
	Duration   time.Duration
}
