package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clarusmed/webhookd/internal/webhook"
)

func seed(t *testing.T, s *Store, subID string, n int, due time.Time) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-d%03d", subID, i)
		d := &webhook.Delivery{
			ID:             id,
			SubscriptionID: subID,
			EventID:        "ev-1",
			TenantID:       "tn_1",
			EventType:      "appointment.created",
			Payload:        []byte(`{}`),
			URL:            "https://example.com/hook",
			Status:         webhook.StatusPending,
			NextRetryAt:    &due,
			CreatedAt:      due,
			UpdatedAt:      due,
		}
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	s := New(Config{LeaseDuration: time.Minute, MaxInFlightPerSubscription: 1000})
	now := time.Now().UTC()
	seed(t, s, "sub-1", 50, now)

	const workers = 8
	var mu sync.Mutex
	owners := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.Claim(ctx, workerID, 5, now)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, d := range batch {
					if prev, dup := owners[d.ID]; dup {
						t.Errorf("delivery %s claimed by both %s and %s", d.ID, prev, workerID)
					}
					owners[d.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(owners) != 50 {
		t.Errorf("claimed %d deliveries total, want 50", len(owners))
	}
}

func TestClaimSkipsNotDue(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	seed(t, s, "sub-due", 2, now)
	seed(t, s, "sub-later", 2, future)

	batch, err := s.Claim(ctx, "w1", 10, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("claimed %d, want only the 2 due deliveries", len(batch))
	}
	for _, d := range batch {
		if d.SubscriptionID != "sub-due" {
			t.Errorf("claimed not-yet-due delivery %s", d.ID)
		}
		if d.Status != webhook.StatusDelivering {
			t.Errorf("claimed delivery status = %s, want delivering", d.Status)
		}
		if d.LeaseOwner != "w1" {
			t.Errorf("lease owner = %q, want w1", d.LeaseOwner)
		}
	}
}

func TestClaimInFlightCap(t *testing.T) {
	ctx := context.Background()
	s := New(Config{MaxInFlightPerSubscription: 3})
	now := time.Now().UTC()
	seed(t, s, "sub-1", 10, now)

	batch, err := s.Claim(ctx, "w1", 10, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("claimed %d, want in-flight cap of 3", len(batch))
	}

	// A second claim gets nothing while the three leases are live.
	batch2, err := s.Claim(ctx, "w2", 10, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch2) != 0 {
		t.Errorf("second claim got %d, want 0 while cap is saturated", len(batch2))
	}

	// Finalizing one frees a slot.
	if err := s.FinalizeSuccess(ctx, batch[0], webhook.AttemptResult{StatusCode: 200}, now); err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}
	batch3, err := s.Claim(ctx, "w2", 10, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch3) != 1 {
		t.Errorf("claim after finalize got %d, want 1", len(batch3))
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	s := New(Config{LeaseDuration: time.Minute})
	now := time.Now().UTC()
	seed(t, s, "sub-1", 1, now)

	batch, err := s.Claim(ctx, "w1", 1, now)
	if err != nil || len(batch) != 1 {
		t.Fatalf("Claim = %d, %v; want 1 row", len(batch), err)
	}
	crashed := batch[0]

	// Before the lease expires nobody else can take it, even though the row
	// never went back to pending.
	if again, _ := s.Claim(ctx, "w2", 1, now.Add(30*time.Second)); len(again) != 0 {
		t.Fatalf("claimed %d rows under a live lease, want 0", len(again))
	}

	// After expiry the row is claimable again; that is the crash recovery path.
	later := now.Add(2 * time.Minute)
	reclaimed, err := s.Claim(ctx, "w2", 1, later)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("Claim after expiry = %d, %v; want 1 row", len(reclaimed), err)
	}
	if reclaimed[0].ID != crashed.ID {
		t.Errorf("reclaimed %s, want %s", reclaimed[0].ID, crashed.ID)
	}
	if reclaimed[0].LeaseOwner != "w2" {
		t.Errorf("lease owner = %q, want w2", reclaimed[0].LeaseOwner)
	}

	// The original worker's finalize must now lose.
	err = s.FinalizeSuccess(ctx, crashed, webhook.AttemptResult{StatusCode: 200}, later)
	if !errors.Is(err, webhook.ErrLeaseLost) {
		t.Errorf("stale finalize error = %v, want ErrLeaseLost", err)
	}
}

func TestFinalizeRetryReparks(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	now := time.Now().UTC()
	seed(t, s, "sub-1", 1, now)

	batch, _ := s.Claim(ctx, "w1", 1, now)
	next := now.Add(time.Minute)
	res := webhook.AttemptResult{StatusCode: 503, Body: "busy", Error: ""}
	if err := s.FinalizeRetry(ctx, batch[0], res, next, now); err != nil {
		t.Fatalf("FinalizeRetry: %v", err)
	}

	d, _ := s.GetDelivery(ctx, batch[0].ID)
	if d.Status != webhook.StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", d.AttemptCount)
	}
	if d.NextRetryAt == nil || !d.NextRetryAt.Equal(next) {
		t.Errorf("next retry at = %v, want %v", d.NextRetryAt, next)
	}
	if d.LeaseOwner != "" || d.LeaseExpiresAt != nil {
		t.Error("lease not released by finalize")
	}
	if d.ResponseStatusCode == nil || *d.ResponseStatusCode != 503 {
		t.Errorf("response status = %v, want 503", d.ResponseStatusCode)
	}

	// Not claimable until the retry time arrives.
	if again, _ := s.Claim(ctx, "w2", 1, now.Add(30*time.Second)); len(again) != 0 {
		t.Errorf("claimed a parked retry before its due time")
	}
	if again, _ := s.Claim(ctx, "w2", 1, next); len(again) != 1 {
		t.Errorf("parked retry not claimable at its due time")
	}
}

func TestCreateEventIdempotency(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	first := &webhook.Event{ID: "ev-1", TenantID: "tn_1", EventType: "a.b", Payload: []byte(`{}`), IdempotencyKey: "k1"}
	created, err := s.CreateEvent(ctx, first)
	if err != nil || !created {
		t.Fatalf("first CreateEvent = %v, %v; want created", created, err)
	}

	dup := &webhook.Event{ID: "ev-2", TenantID: "tn_1", EventType: "a.b", Payload: []byte(`{}`), IdempotencyKey: "k1"}
	created, err = s.CreateEvent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate CreateEvent: %v", err)
	}
	if created {
		t.Error("duplicate key reported as created")
	}
	if dup.ID != "ev-1" {
		t.Errorf("duplicate event id rewritten to %q, want ev-1", dup.ID)
	}

	// Same key under another tenant is a distinct event.
	other := &webhook.Event{ID: "ev-3", TenantID: "tn_2", EventType: "a.b", Payload: []byte(`{}`), IdempotencyKey: "k1"}
	created, err = s.CreateEvent(ctx, other)
	if err != nil || !created {
		t.Errorf("cross-tenant CreateEvent = %v, %v; want created", created, err)
	}
}

func TestListDeliveriesFilters(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	now := time.Now().UTC()
	seed(t, s, "sub-a", 3, now)
	seed(t, s, "sub-b", 2, now)

	bySub, err := s.ListDeliveries(ctx, webhook.DeliveryQuery{SubscriptionID: "sub-a"})
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(bySub) != 3 {
		t.Errorf("subscription filter returned %d, want 3", len(bySub))
	}

	limited, _ := s.ListDeliveries(ctx, webhook.DeliveryQuery{TenantID: "tn_1", Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit returned %d, want 2", len(limited))
	}

	pending, _ := s.ListDeliveries(ctx, webhook.DeliveryQuery{Status: webhook.StatusDelivered})
	if len(pending) != 0 {
		t.Errorf("status filter returned %d, want 0", len(pending))
	}
}

func TestBacklog(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	now := time.Now().UTC()
	seed(t, s, "sub-1", 5, now)

	if _, err := s.Claim(ctx, "w1", 2, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	due, delivering, err := s.Backlog(ctx, now)
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	if due != 3 || delivering != 2 {
		t.Errorf("backlog = %d due, %d delivering; want 3, 2", due, delivering)
	}
}
