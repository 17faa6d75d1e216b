// Package memory provides in-memory implementations of the webhook stores.
// They honor the same claim/lease and finalize contracts as the postgres
// adapter and back the engine's unit tests and local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clarusmed/webhookd/internal/webhook"
)

type Config struct {
	LeaseDuration              time.Duration
	MaxInFlightPerSubscription int
}

// Store holds subscriptions, events and deliveries behind one mutex, which
// is what makes Claim a single atomic conditional update.
type Store struct {
	mu  sync.Mutex
	cfg Config

	subs       map[string]*webhook.Subscription
	events     map[string]*webhook.Event
	idemIndex  map[string]string // tenantID+"\x00"+key -> eventID
	deliveries map[string]*webhook.Delivery
}

func New(cfg Config) *Store {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.MaxInFlightPerSubscription <= 0 {
		cfg.MaxInFlightPerSubscription = 10
	}
	return &Store{
		cfg:        cfg,
		subs:       make(map[string]*webhook.Subscription),
		events:     make(map[string]*webhook.Event),
		idemIndex:  make(map[string]string),
		deliveries: make(map[string]*webhook.Delivery),
	}
}

// --- SubscriptionStore ---

func (s *Store) CreateSubscription(_ context.Context, sub *webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = copySubscription(sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	return copySubscription(sub), nil
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string) ([]*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhook.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			out = append(out, copySubscription(sub))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return webhook.ErrNotFound
	}
	cur.Name = sub.Name
	cur.Description = sub.Description
	cur.URL = sub.URL
	cur.Active = sub.Active
	cur.EventTypes = append([]string(nil), sub.EventTypes...)
	cur.MaxRetries = sub.MaxRetries
	cur.RetryDelaySeconds = sub.RetryDelaySeconds
	if len(sub.Secret) > 0 {
		cur.Secret = append([]byte(nil), sub.Secret...)
	}
	cur.UpdatedAt = sub.UpdatedAt
	return nil
}

func (s *Store) Match(_ context.Context, tenantID, eventType string) ([]*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhook.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.Active && sub.SubscribesTo(eventType) {
			out = append(out, copySubscription(sub))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

// --- DeliveryStore ---

func (s *Store) CreateEvent(_ context.Context, ev *webhook.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.IdempotencyKey != "" {
		key := ev.TenantID + "\x00" + ev.IdempotencyKey
		if id, ok := s.idemIndex[key]; ok {
			ev.ID = id
			return false, nil
		}
		s.idemIndex[key] = ev.ID
	}
	s.events[ev.ID] = copyEvent(ev)
	return true, nil
}

func (s *Store) CountDeliveriesForEvent(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateDelivery(_ context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (s *Store) ListDeliveries(_ context.Context, q webhook.DeliveryQuery) ([]*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhook.Delivery
	for _, d := range s.deliveries {
		if q.TenantID != "" && d.TenantID != q.TenantID {
			continue
		}
		if q.SubscriptionID != "" && d.SubscriptionID != q.SubscriptionID {
			continue
		}
		if q.EventID != "" && d.EventID != q.EventID {
			continue
		}
		if q.Status != "" && d.Status != q.Status {
			continue
		}
		out = append(out, copyDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, workerID string, limit int, now time.Time) ([]*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inflight := make(map[string]int)
	for _, d := range s.deliveries {
		if d.Status == webhook.StatusDelivering && d.LeaseExpiresAt != nil && !d.LeaseExpiresAt.Before(now) {
			inflight[d.SubscriptionID]++
		}
	}

	due := make([]*webhook.Delivery, 0)
	for _, d := range s.deliveries {
		switch d.Status {
		case webhook.StatusPending:
			if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
				continue
			}
			if d.LeaseOwner != "" && d.LeaseExpiresAt != nil && !d.LeaseExpiresAt.Before(now) {
				continue
			}
		case webhook.StatusDelivering:
			// A crashed worker leaves the row delivering; the lease expiring
			// is what hands it back.
			if d.LeaseExpiresAt == nil || !d.LeaseExpiresAt.Before(now) {
				continue
			}
		default:
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})

	var claimed []*webhook.Delivery
	for _, d := range due {
		if len(claimed) >= limit {
			break
		}
		if inflight[d.SubscriptionID] >= s.cfg.MaxInFlightPerSubscription {
			continue
		}
		exp := now.Add(s.cfg.LeaseDuration)
		d.Status = webhook.StatusDelivering
		d.LeaseOwner = workerID
		d.LeaseExpiresAt = &exp
		d.UpdatedAt = now
		inflight[d.SubscriptionID]++
		claimed = append(claimed, copyDelivery(d))
	}
	return claimed, nil
}

// claimedRow returns the stored row iff the caller still owns its lease.
func (s *Store) claimedRow(d *webhook.Delivery) (*webhook.Delivery, error) {
	row, ok := s.deliveries[d.ID]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	if row.Status != webhook.StatusDelivering || row.LeaseOwner != d.LeaseOwner {
		return nil, webhook.ErrLeaseLost
	}
	return row, nil
}

func (s *Store) FinalizeSuccess(_ context.Context, d *webhook.Delivery, res webhook.AttemptResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.claimedRow(d)
	if err != nil {
		return err
	}
	applyAttempt(row, res, now)
	row.Status = webhook.StatusDelivered
	row.NextRetryAt = nil
	deliveredAt := now
	row.DeliveredAt = &deliveredAt

	if sub, ok := s.subs[row.SubscriptionID]; ok {
		sub.TotalDeliveries++
		sub.SuccessfulDeliveries++
		at := now
		sub.LastDeliveryAt = &at
		sub.LastSuccessAt = &at
	}
	*d = *copyDelivery(row)
	return nil
}

func (s *Store) FinalizeRetry(_ context.Context, d *webhook.Delivery, res webhook.AttemptResult, nextRetryAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.claimedRow(d)
	if err != nil {
		return err
	}
	applyAttempt(row, res, now)
	row.Status = webhook.StatusPending
	next := nextRetryAt
	row.NextRetryAt = &next

	if sub, ok := s.subs[row.SubscriptionID]; ok {
		sub.TotalDeliveries++
	}
	*d = *copyDelivery(row)
	return nil
}

func (s *Store) FinalizeExhausted(_ context.Context, d *webhook.Delivery, res webhook.AttemptResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.claimedRow(d)
	if err != nil {
		return err
	}
	applyAttempt(row, res, now)
	row.Status = webhook.StatusExhausted
	row.NextRetryAt = nil
	failedAt := now
	row.FailedAt = &failedAt

	if sub, ok := s.subs[row.SubscriptionID]; ok {
		sub.TotalDeliveries++
		sub.FailedDeliveries++
		at := now
		sub.LastFailureAt = &at
	}
	*d = *copyDelivery(row)
	return nil
}

func (s *Store) Backlog(_ context.Context, now time.Time) (due, delivering int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		switch d.Status {
		case webhook.StatusPending:
			if d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
				due++
			}
		case webhook.StatusDelivering:
			delivering++
		}
	}
	return due, delivering, nil
}

// applyAttempt records one finalized attempt on the row and releases the lease.
func applyAttempt(row *webhook.Delivery, res webhook.AttemptResult, now time.Time) {
	row.AttemptCount++
	row.LeaseOwner = ""
	row.LeaseExpiresAt = nil
	row.ErrorMessage = res.Error
	row.ResponseBody = res.Body
	if res.StatusCode != 0 {
		status := res.StatusCode
		row.ResponseStatusCode = &status
	} else {
		row.ResponseStatusCode = nil
	}
	row.UpdatedAt = now
}

func sortSubscriptions(subs []*webhook.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func copySubscription(sub *webhook.Subscription) *webhook.Subscription {
	out := *sub
	out.EventTypes = append([]string(nil), sub.EventTypes...)
	out.Secret = append([]byte(nil), sub.Secret...)
	out.LastDeliveryAt = copyTime(sub.LastDeliveryAt)
	out.LastSuccessAt = copyTime(sub.LastSuccessAt)
	out.LastFailureAt = copyTime(sub.LastFailureAt)
	return &out
}

func copyEvent(ev *webhook.Event) *webhook.Event {
	out := *ev
	out.Payload = append([]byte(nil), ev.Payload...)
	return &out
}

func copyDelivery(d *webhook.Delivery) *webhook.Delivery {
	out := *d
	out.Payload = append([]byte(nil), d.Payload...)
	out.NextRetryAt = copyTime(d.NextRetryAt)
	out.LeaseExpiresAt = copyTime(d.LeaseExpiresAt)
	out.DeliveredAt = copyTime(d.DeliveredAt)
	out.FailedAt = copyTime(d.FailedAt)
	if d.ResponseStatusCode != nil {
		status := *d.ResponseStatusCode
		out.ResponseStatusCode = &status
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
