package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/store/memory"
	"github.com/clarusmed/webhookd/internal/webhook"
)

// startPool runs a single-worker pool against the store until the test ends.
func startPool(t *testing.T, store *memory.Store, retryable []int) *webhook.Pool {
	t.Helper()
	pool := webhook.NewPool("test", webhook.WorkerConfig{
		Workers:        1,
		ClaimLimit:     5,
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}, store, store, webhook.Schedule{Max: time.Hour}, webhook.NewClassifier(retryable), logging.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pool
}

// seedDelivery creates a subscription and one due pending delivery targeting url.
// A zero retry delay keeps retries immediately due, so tests never sleep out
// a real backoff.
func seedDelivery(t *testing.T, store *memory.Store, url string, maxRetries int) (*webhook.Subscription, *webhook.Delivery) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &webhook.Subscription{
		ID:         uuid.NewString(),
		TenantID:   "tn_1",
		URL:        url,
		Secret:     []byte("test-secret"),
		Active:     true,
		EventTypes: []string{"appointment.created"},
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	d := &webhook.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        uuid.NewString(),
		TenantID:       sub.TenantID,
		EventType:      "appointment.created",
		Payload:        []byte(`{"id":"apt_789"}`),
		URL:            url,
		Status:         webhook.StatusPending,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return sub, d
}

func waitTerminal(t *testing.T, store *memory.Store, id string) *webhook.Delivery {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := store.GetDelivery(ctx, id)
		if err != nil {
			t.Fatalf("GetDelivery: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivery %s never reached a terminal status", id)
	return nil
}

func TestWorkerDeliversFirstAttempt(t *testing.T) {
	var gotSig, gotTS, gotEvent, gotDelivery string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Clarus-Signature")
		gotTS = r.Header.Get("X-Clarus-Timestamp")
		gotEvent = r.Header.Get("X-Clarus-Event")
		gotDelivery = r.Header.Get("X-Clarus-Delivery")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New(memory.Config{})
	sub, d := seedDelivery(t, store, srv.URL, 5)
	startPool(t, store, nil)

	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusDelivered {
		t.Fatalf("status = %s, want delivered", final.Status)
	}
	if final.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", final.AttemptCount)
	}
	if final.ResponseStatusCode == nil || *final.ResponseStatusCode != 200 {
		t.Errorf("response status = %v, want 200", final.ResponseStatusCode)
	}
	if final.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
	if final.LeaseOwner != "" {
		t.Error("lease not released after finalize")
	}

	if gotEvent != "appointment.created" {
		t.Errorf("event type header = %q", gotEvent)
	}
	if gotDelivery != d.ID {
		t.Errorf("delivery id header = %q, want %s", gotDelivery, d.ID)
	}
	if err := webhook.VerifySignature([]byte("test-secret"), body, gotTS, gotSig, 5*time.Minute, time.Now()); err != nil {
		t.Errorf("receiver-side signature verification failed: %v", err)
	}

	got, err := store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.TotalDeliveries != 1 || got.SuccessfulDeliveries != 1 || got.FailedDeliveries != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0",
			got.TotalDeliveries, got.SuccessfulDeliveries, got.FailedDeliveries)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New(memory.Config{})
	sub, d := seedDelivery(t, store, srv.URL, 5)
	startPool(t, store, nil)

	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusDelivered {
		t.Fatalf("status = %s, want delivered", final.Status)
	}
	if final.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", final.AttemptCount)
	}

	got, _ := store.GetSubscription(context.Background(), sub.ID)
	if got.TotalDeliveries != 3 || got.SuccessfulDeliveries != 1 || got.FailedDeliveries != 0 {
		t.Errorf("counters = %d/%d/%d, want 3/1/0",
			got.TotalDeliveries, got.SuccessfulDeliveries, got.FailedDeliveries)
	}
}

func TestWorkerExhaustsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New(memory.Config{})
	sub, d := seedDelivery(t, store, srv.URL, 2)
	startPool(t, store, nil)

	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusExhausted {
		t.Fatalf("status = %s, want exhausted", final.Status)
	}
	// maxRetries retries plus the initial attempt.
	if final.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", final.AttemptCount)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("endpoint saw %d requests, want 3", n)
	}
	if final.FailedAt == nil {
		t.Error("failed_at not set")
	}

	got, _ := store.GetSubscription(context.Background(), sub.ID)
	if got.TotalDeliveries != 3 || got.SuccessfulDeliveries != 0 || got.FailedDeliveries != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/0/1",
			got.TotalDeliveries, got.SuccessfulDeliveries, got.FailedDeliveries)
	}
}

func TestWorkerPermanentFailureSkipsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	store := memory.New(memory.Config{})
	_, d := seedDelivery(t, store, srv.URL, 5)
	startPool(t, store, nil)

	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusExhausted {
		t.Fatalf("status = %s, want exhausted", final.Status)
	}
	if final.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1: 4xx must not burn retries", final.AttemptCount)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint saw %d requests, want 1", n)
	}
}

func TestWorkerRetryableStatusWhitelist(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New(memory.Config{})
	_, d := seedDelivery(t, store, srv.URL, 5)
	startPool(t, store, []int{429})

	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusDelivered {
		t.Fatalf("status = %s, want delivered: whitelisted 429 should retry", final.Status)
	}
	if final.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", final.AttemptCount)
	}
}

func TestWorkerSecretRotationAppliesToNextAttempt(t *testing.T) {
	store := memory.New(memory.Config{})

	var mismatchSeen atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		err := webhook.VerifySignature([]byte("rotated-secret"), buf,
			r.Header.Get("X-Clarus-Timestamp"), r.Header.Get("X-Clarus-Signature"),
			5*time.Minute, time.Now())
		if err != nil {
			mismatchSeen.Store(true)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub, d := seedDelivery(t, store, srv.URL, 5)

	// Rotate before any attempt lands; the receiver only accepts the new
	// secret, so delivery succeeding proves the worker reads it fresh.
	sub.Secret = []byte("rotated-secret")
	if err := store.UpdateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}

	startPool(t, store, nil)
	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusDelivered {
		t.Fatalf("status = %s, want delivered with rotated secret", final.Status)
	}
}

func TestWorkerMissingSubscriptionExhausts(t *testing.T) {
	store := memory.New(memory.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	d := &webhook.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: "gone",
		EventID:        uuid.NewString(),
		TenantID:       "tn_1",
		EventType:      "appointment.created",
		Payload:        []byte(`{}`),
		URL:            "https://example.com/hook",
		Status:         webhook.StatusPending,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateDelivery(ctx, d); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	startPool(t, store, nil)
	final := waitTerminal(t, store, d.ID)
	if final.Status != webhook.StatusExhausted {
		t.Fatalf("status = %s, want exhausted when subscription is gone", final.Status)
	}
}
