// Package ingest exposes the producer-facing and administrative HTTP API:
// event publishing, subscription management and delivery inspection. It never
// performs webhook I/O itself; publishing returns once delivery rows are
// durable, and workers pick them up from there.
package ingest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"github.com/clarusmed/webhookd/internal/config"
	"github.com/clarusmed/webhookd/internal/logging"
	"github.com/clarusmed/webhookd/internal/tracing"
	"github.com/clarusmed/webhookd/internal/webhook"
)

type Server struct {
	dispatcher *webhook.Dispatcher
	subs       webhook.SubscriptionStore
	store      webhook.DeliveryStore
	defaults   config.Defaults
	producer   *nsq.Producer // nil disables wake nudges
	wakeTopic  string
	logger     *logging.Logger

	now func() time.Time
}

// NewServer inits and returns a new API server. producer may be nil; nudges
// are best-effort.
func NewServer(dispatcher *webhook.Dispatcher, subs webhook.SubscriptionStore, store webhook.DeliveryStore, defaults config.Defaults, producer *nsq.Producer, wakeTopic string, logger *logging.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		subs:       subs,
		store:      store,
		defaults:   defaults,
		producer:   producer,
		wakeTopic:  wakeTopic,
		logger:     logger,
		now:        time.Now,
	}
}

// Routes registers every API route on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.publishEvent)
	mux.HandleFunc("POST /v1/subscriptions", s.createSubscription)
	mux.HandleFunc("GET /v1/subscriptions", s.listSubscriptions)
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.getSubscription)
	mux.HandleFunc("PATCH /v1/subscriptions/{id}", s.updateSubscription)
	mux.HandleFunc("POST /v1/subscriptions/{id}/activate", s.setActive(true))
	mux.HandleFunc("POST /v1/subscriptions/{id}/deactivate", s.setActive(false))
	mux.HandleFunc("GET /v1/deliveries", s.listDeliveries)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.getDelivery)
	mux.HandleFunc("POST /v1/deliveries/{id}/replay", s.replayDelivery)
	return mux
}

// --- events ---

type publishRequest struct {
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type publishResponse struct {
	EventID     string   `json:"event_id"`
	Duplicate   bool     `json:"duplicate,omitempty"`
	FanoutCount int      `json:"fanout_count"`
	DeliveryIDs []string `json:"delivery_ids,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	res, err := s.dispatcher.Publish(r.Context(), webhook.PublishRequest{
		TenantID:       req.TenantID,
		EventType:      req.EventType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil && res == nil {
		if errors.Is(err, webhook.ErrInvalidPublish) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := publishResponse{
		EventID:     res.EventID,
		Duplicate:   res.Duplicate,
		FanoutCount: len(res.Deliveries),
	}
	for _, d := range res.Deliveries {
		resp.DeliveryIDs = append(resp.DeliveryIDs, d.ID)
	}

	if len(res.Deliveries) > 0 {
		s.nudge(r, res)
	}

	if err != nil {
		// Partial persistence: report what was created so the caller can
		// re-publish only the failed subscriptions.
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// nudge wakes the workers over NSQ so claims happen without waiting out a
// poll interval.
func (s *Server) nudge(r *http.Request, res *webhook.PublishResult) {
	if s.producer == nil {
		return
	}
	n := webhook.Nudge{
		EventID:      res.EventID,
		TraceHeaders: tracing.PropagateTraceToNSQ(r.Context()),
	}
	for _, d := range res.Deliveries {
		n.DeliveryIDs = append(n.DeliveryIDs, d.ID)
		n.TenantID = d.TenantID
	}
	b, _ := json.Marshal(n)
	if err := s.producer.Publish(s.wakeTopic, b); err != nil {
		s.logger.WithContext(r.Context()).WithEvent(res.EventID).WithError(err).Warn("wake nudge publish failed")
	}
}

// --- subscriptions ---

type subscriptionRequest struct {
	TenantID          string   `json:"tenant_id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	URL               string   `json:"url"`
	Secret            string   `json:"secret,omitempty"`
	EventTypes        []string `json:"event_types"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
	RetryDelaySeconds *int     `json:"retry_delay_seconds,omitempty"`
	Active            *bool    `json:"active,omitempty"`
}

type subscriptionResponse struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	URL                  string     `json:"url"`
	Secret               string     `json:"secret,omitempty"` // only echoed at creation
	Active               bool       `json:"active"`
	EventTypes           []string   `json:"event_types"`
	MaxRetries           int        `json:"max_retries"`
	RetryDelaySeconds    int        `json:"retry_delay_seconds"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func subscriptionView(sub *webhook.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                   sub.ID,
		TenantID:             sub.TenantID,
		Name:                 sub.Name,
		Description:          sub.Description,
		URL:                  sub.URL,
		Active:               sub.Active,
		EventTypes:           sub.EventTypes,
		MaxRetries:           sub.MaxRetries,
		RetryDelaySeconds:    sub.RetryDelaySeconds,
		TotalDeliveries:      sub.TotalDeliveries,
		SuccessfulDeliveries: sub.SuccessfulDeliveries,
		FailedDeliveries:     sub.FailedDeliveries,
		LastDeliveryAt:       sub.LastDeliveryAt,
		LastSuccessAt:        sub.LastSuccessAt,
		LastFailureAt:        sub.LastFailureAt,
		CreatedAt:            sub.CreatedAt,
		UpdatedAt:            sub.UpdatedAt,
	}
}

// generateSecret generates a random base64-encoded string of length n bytes
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.TenantID == "" || req.URL == "" || len(req.EventTypes) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("tenant_id, url, and event_types are required"))
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid url: %w", err))
		return
	}

	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = generateSecret(32) // 256-bit
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	now := s.now().UTC()
	sub := &webhook.Subscription{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		Name:              req.Name,
		Description:       req.Description,
		URL:               req.URL,
		Secret:            []byte(secret),
		Active:            true,
		EventTypes:        dedupe(req.EventTypes),
		MaxRetries:        s.defaults.MaxRetries,
		RetryDelaySeconds: s.defaults.RetryDelaySeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySeconds != nil && *req.RetryDelaySeconds > 0 {
		sub.RetryDelaySeconds = *req.RetryDelaySeconds
	}

	if err := s.subs.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := subscriptionView(sub)
	resp.Secret = secret // echoed exactly once, at creation
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, errors.New("tenant_id is required"))
		return
	}
	subs, err := s.subs.ListSubscriptions(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.URL != "" {
		if _, err := url.ParseRequestURI(req.URL); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid url: %w", err))
			return
		}
		// In-flight deliveries keep their snapshotted URL.
		sub.URL = req.URL
	}
	if req.Name != "" {
		sub.Name = req.Name
	}
	if req.Description != "" {
		sub.Description = req.Description
	}
	if len(req.EventTypes) > 0 {
		sub.EventTypes = dedupe(req.EventTypes)
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySeconds != nil && *req.RetryDelaySeconds > 0 {
		sub.RetryDelaySeconds = *req.RetryDelaySeconds
	}
	if req.Secret != "" {
		// Rotation applies to the next attempt of any in-flight delivery.
		sub.Secret = []byte(req.Secret)
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	sub.UpdatedAt = s.now().UTC()

	if err := s.subs.UpdateSubscription(r.Context(), sub); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

func (s *Server) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.subs.GetSubscription(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		sub.Active = active
		sub.UpdatedAt = s.now().UTC()
		if err := s.subs.UpdateSubscription(r.Context(), sub); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, subscriptionView(sub))
	}
}

// --- deliveries ---

type deliveryResponse struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	URL            string          `json:"url"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func deliveryView(d *webhook.Delivery) deliveryResponse {
	return deliveryResponse{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.EventID,
		TenantID:       d.TenantID,
		EventType:      d.EventType,
		Payload:        d.Payload,
		URL:            d.URL,
		Status:         string(d.Status),
		AttemptCount:   d.AttemptCount,
		NextRetryAt:    d.NextRetryAt,
		ResponseStatus: d.ResponseStatusCode,
		ResponseBody:   d.ResponseBody,
		ErrorMessage:   d.ErrorMessage,
		ReplayOf:       d.ReplayOf,
		DeliveredAt:    d.DeliveredAt,
		FailedAt:       d.FailedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveryView(d))
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := webhook.DeliveryQuery{
		TenantID:       r.URL.Query().Get("tenant_id"),
		SubscriptionID: r.URL.Query().Get("subscription_id"),
		EventID:        r.URL.Query().Get("event_id"),
		Status:         webhook.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:          10,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &q.Limit); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
	}
	out, err := s.store.ListDeliveries(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]deliveryResponse, 0, len(out))
	for _, d := range out {
		views = append(views, deliveryView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": views})
}

// replayDelivery enqueues a fresh delivery referencing a finished attempt.
// The target URL is re-snapshotted from the subscription's current state.
func (s *Server) replayDelivery(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !src.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Errorf("delivery %s is %s; only finished deliveries can be replayed", src.ID, src.Status))
		return
	}
	sub, err := s.subs.GetSubscription(r.Context(), src.SubscriptionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	now := s.now().UTC()
	replay := &webhook.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: src.SubscriptionID,
		EventID:        src.EventID,
		TenantID:       src.TenantID,
		EventType:      src.EventType,
		Payload:        src.Payload,
		URL:            sub.URL,
		Status:         webhook.StatusPending,
		NextRetryAt:    &now,
		ReplayOf:       src.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDelivery(r.Context(), replay); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.nudge(r, &webhook.PublishResult{EventID: src.EventID, Deliveries: []*webhook.Delivery{replay}})
	writeJSON(w, http.StatusCreated, deliveryView(replay))
}

// --- helpers ---

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, webhook.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
