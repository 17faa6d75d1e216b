package postgres

// These tests exercise the claim SQL and finalize transactions against a
// real database. Set TEST_DATABASE_URL to run them; they are skipped
// otherwise.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clarusmed/webhookd/internal/webhook"
)

func testStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool, cfg)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE webhookd.deliveries, webhookd.events, webhookd.subscriptions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func seedDeliveries(t *testing.T, s *Store, subID string, n int, due time.Time) {
	t.Helper()
	ctx := context.Background()

	sub := &webhook.Subscription{
		ID:                subID,
		TenantID:          "tn_1",
		URL:               "https://example.com/hook",
		Secret:            []byte("secret"),
		Active:            true,
		EventTypes:        []string{"appointment.created"},
		MaxRetries:        5,
		RetryDelaySeconds: 60,
		CreatedAt:         due,
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	for i := 0; i < n; i++ {
		at := due
		d := &webhook.Delivery{
			ID:             fmt.Sprintf("%s-d%02d", subID, i),
			SubscriptionID: subID,
			EventID:        fmt.Sprintf("%s-ev%02d", subID, i),
			TenantID:       "tn_1",
			EventType:      "appointment.created",
			Payload:        json.RawMessage(`{}`),
			URL:            sub.URL,
			Status:         webhook.StatusPending,
			NextRetryAt:    &at,
			CreatedAt:      due,
		}
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("CreateDelivery: %v", err)
		}
	}
}

func TestClaimCapsSingleBatch(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{LeaseDuration: time.Minute, MaxInFlightPerSubscription: 3})
	now := time.Now().UTC()
	seedDeliveries(t, s, "sub-1", 10, now)

	batch, err := s.Claim(ctx, "w1", 25, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("claimed %d in one batch, want in-flight cap of 3", len(batch))
	}

	// A second worker gets nothing while the three leases are live.
	batch2, err := s.Claim(ctx, "w2", 25, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch2) != 0 {
		t.Errorf("second claim got %d, want 0 while cap is saturated", len(batch2))
	}

	// Finalizing one frees exactly one slot.
	if err := s.FinalizeSuccess(ctx, batch[0], webhook.AttemptResult{StatusCode: 200}, now); err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}
	batch3, err := s.Claim(ctx, "w2", 25, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(batch3) != 1 {
		t.Errorf("claim after finalize got %d, want 1", len(batch3))
	}
}

func TestClaimLeaseGuard(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{LeaseDuration: time.Minute})
	now := time.Now().UTC()
	seedDeliveries(t, s, "sub-1", 1, now)

	batch, err := s.Claim(ctx, "w1", 1, now)
	if err != nil || len(batch) != 1 {
		t.Fatalf("Claim = %d, %v; want 1 row", len(batch), err)
	}

	// The live lease blocks a second claim.
	blocked, err := s.Claim(ctx, "w2", 1, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(blocked) != 0 {
		t.Errorf("claim against live lease got %d rows, want 0", len(blocked))
	}

	// After expiry the delivering row is handed back.
	later := now.Add(2 * time.Minute)
	reclaimed, err := s.Claim(ctx, "w2", 1, later)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("Claim after expiry = %d, %v; want 1 row", len(reclaimed), err)
	}

	// The original worker's finalize must not clobber the reclaim.
	err = s.FinalizeSuccess(ctx, batch[0], webhook.AttemptResult{StatusCode: 200}, later)
	if !errors.Is(err, webhook.ErrLeaseLost) {
		t.Errorf("stale finalize error = %v, want ErrLeaseLost", err)
	}
}

func TestFinalizeRetryReparksRow(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{LeaseDuration: time.Minute})
	now := time.Now().UTC()
	seedDeliveries(t, s, "sub-1", 1, now)

	batch, err := s.Claim(ctx, "w1", 1, now)
	if err != nil || len(batch) != 1 {
		t.Fatalf("Claim = %d, %v; want 1 row", len(batch), err)
	}

	next := now.Add(time.Hour)
	if err := s.FinalizeRetry(ctx, batch[0], webhook.AttemptResult{StatusCode: 503}, next, now); err != nil {
		t.Fatalf("FinalizeRetry: %v", err)
	}

	d, err := s.GetDelivery(ctx, batch[0].ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != webhook.StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if d.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", d.AttemptCount)
	}
	if d.NextRetryAt == nil {
		t.Fatal("NextRetryAt not set after retry")
	}
	if d.LeaseOwner != "" || d.LeaseExpiresAt != nil {
		t.Error("lease not released after retry")
	}

	early, err := s.Claim(ctx, "w2", 1, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(early) != 0 {
		t.Errorf("claim before due time got %d rows, want 0", len(early))
	}
	due, err := s.Claim(ctx, "w2", 1, next.Add(time.Second))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("claim at due time got %d rows, want 1", len(due))
	}
}

func TestCreateEventIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{})
	now := time.Now().UTC()

	ev := &webhook.Event{
		ID:             "ev-1",
		TenantID:       "tn_1",
		EventType:      "appointment.created",
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "idem-1",
		CreatedAt:      now,
	}
	created, err := s.CreateEvent(ctx, ev)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !created {
		t.Error("first publish reported duplicate")
	}

	dup := &webhook.Event{
		ID:             "ev-2",
		TenantID:       "tn_1",
		EventType:      "appointment.created",
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "idem-1",
		CreatedAt:      now,
	}
	created, err = s.CreateEvent(ctx, dup)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if created {
		t.Error("duplicate key reported as created")
	}
	if dup.ID != "ev-1" {
		t.Errorf("duplicate resolved to id %q, want ev-1", dup.ID)
	}
}
