// Package postgres implements the webhook stores on PostgreSQL via pgx.
// Claim is a single conditional UPDATE ... RETURNING over a SKIP LOCKED
// selection, so no two concurrent claims ever win the same row; each
// finalize commits the delivery transition and the subscription counter
// increments in one transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clarusmed/webhookd/internal/webhook"
)

//go:embed schema.sql
var schemaSQL string

type Config struct {
	LeaseDuration              time.Duration
	MaxInFlightPerSubscription int
}

type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(pool *pgxpool.Pool, cfg Config) *Store {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.MaxInFlightPerSubscription <= 0 {
		cfg.MaxInFlightPerSubscription = 10
	}
	return &Store{pool: pool, cfg: cfg}
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- SubscriptionStore ---

const subscriptionColumns = `id, tenant_id, name, description, url, secret, active, event_types,
	max_retries, retry_delay_seconds,
	total_deliveries, successful_deliveries, failed_deliveries,
	last_delivery_at, last_success_at, last_failure_at,
	created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhookd.subscriptions(
			id, tenant_id, name, description, url, secret, active, event_types,
			max_retries, retry_delay_seconds, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		sub.ID, sub.TenantID, sub.Name, sub.Description, sub.URL, sub.Secret,
		sub.Active, sub.EventTypes, sub.MaxRetries, sub.RetryDelaySeconds, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhookd.subscriptions
		WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhookd.subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhookd.subscriptions
		SET name=$2, description=$3, url=$4, active=$5, event_types=$6,
		    max_retries=$7, retry_delay_seconds=$8,
		    secret = CASE WHEN $9::bytea IS NULL THEN secret ELSE $9 END,
		    updated_at=$10
		WHERE id=$1`,
		sub.ID, sub.Name, sub.Description, sub.URL, sub.Active, sub.EventTypes,
		sub.MaxRetries, sub.RetryDelaySeconds, nilIfEmpty(sub.Secret), sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (s *Store) Match(ctx context.Context, tenantID, eventType string) ([]*webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhookd.subscriptions
		WHERE tenant_id = $1 AND active AND event_types @> ARRAY[$2]::text[]
		ORDER BY created_at, id`, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// --- DeliveryStore ---

const deliveryColumns = `id, subscription_id, event_id, tenant_id, event_type, payload, url,
	status, attempt_count, next_retry_at, lease_owner, lease_expires_at,
	response_status, response_body, error_message, replay_of,
	delivered_at, failed_at, created_at, updated_at`

func (s *Store) CreateEvent(ctx context.Context, ev *webhook.Event) (bool, error) {
	if ev.IdempotencyKey == "" {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO webhookd.events(id, tenant_id, event_type, payload, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			ev.ID, ev.TenantID, ev.EventType, []byte(ev.Payload), ev.CreatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("insert event: %w", err)
		}
		return true, nil
	}

	// Insert-or-ignore, then fetch whichever id won the key.
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO webhookd.events(id, tenant_id, event_type, payload, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT ON CONSTRAINT uq_events_tenant_idem DO NOTHING`,
		ev.ID, ev.TenantID, ev.EventType, []byte(ev.Payload), ev.IdempotencyKey, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert event (idempotent): %w", err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM webhookd.events
		WHERE tenant_id = $1 AND idempotency_key = $2
		LIMIT 1`, ev.TenantID, ev.IdempotencyKey,
	).Scan(&ev.ID); err != nil {
		return false, fmt.Errorf("select event id (idempotent): %w", err)
	}
	return false, nil
}

func (s *Store) CountDeliveriesForEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhookd.deliveries WHERE event_id = $1`, eventID,
	).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhookd.deliveries(
			id, subscription_id, event_id, tenant_id, event_type, payload, url,
			status, attempt_count, next_retry_at, replay_of, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		d.ID, d.SubscriptionID, d.EventID, d.TenantID, d.EventType, []byte(d.Payload), d.URL,
		string(d.Status), d.AttemptCount, d.NextRetryAt, nullString(d.ReplayOf), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhookd.deliveries
		WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *Store) ListDeliveries(ctx context.Context, q webhook.DeliveryQuery) ([]*webhook.Delivery, error) {
	where := "1=1"
	args := []any{}
	argn := 0
	add := func(cond string, v any) {
		argn++
		where += fmt.Sprintf(" AND "+cond, argn)
		args = append(args, v)
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.SubscriptionID != "" {
		add("subscription_id = $%d", q.SubscriptionID)
	}
	if q.EventID != "" {
		add("event_id = $%d", q.EventID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	argn++
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+deliveryColumns+`
		FROM webhookd.deliveries
		WHERE %s
		ORDER BY created_at, id
		LIMIT $%d`, where, argn), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Claim ranks claimable rows per subscription before locking, so the
// in-flight cap holds within a single batch as well as across ones: row k of
// a subscription is taken only while k plus the live lease count stays at or
// under the cap.
func (s *Store) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		WITH inflight AS (
			SELECT subscription_id, COUNT(*) AS n
			FROM webhookd.deliveries
			WHERE status = 'delivering' AND lease_expires_at >= $2
			GROUP BY subscription_id
		), claimable AS (
			SELECT id, subscription_id,
			       ROW_NUMBER() OVER (PARTITION BY subscription_id
			                          ORDER BY next_retry_at, id) AS rn
			FROM webhookd.deliveries
			WHERE (status = 'pending'
			       AND next_retry_at <= $2
			       AND (lease_owner IS NULL OR lease_expires_at < $2))
			   OR (status = 'delivering' AND lease_expires_at < $2)
		), due AS (
			SELECT d.id
			FROM webhookd.deliveries d
			JOIN claimable c ON c.id = d.id
			LEFT JOIN inflight f ON f.subscription_id = d.subscription_id
			WHERE c.rn + COALESCE(f.n, 0) <= $4
			ORDER BY d.next_retry_at, d.id
			LIMIT $3
			FOR UPDATE OF d SKIP LOCKED
		)
		UPDATE webhookd.deliveries d
		SET status = 'delivering', lease_owner = $1, lease_expires_at = $5, updated_at = $2
		FROM due
		WHERE d.id = due.id
		RETURNING `+qualifiedDeliveryColumns("d"),
		workerID, now, limit, s.cfg.MaxInFlightPerSubscription, now.Add(s.cfg.LeaseDuration),
	)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var out []*webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) FinalizeSuccess(ctx context.Context, d *webhook.Delivery, res webhook.AttemptResult, now time.Time) error {
	return s.finalize(ctx, d, res, now, webhook.StatusDelivered, `
		UPDATE webhookd.deliveries
		SET status='delivered', attempt_count=attempt_count+1, next_retry_at=NULL,
		    lease_owner=NULL, lease_expires_at=NULL,
		    response_status=$3, response_body=$4, error_message=$5,
		    delivered_at=$6, updated_at=$6
		WHERE id=$1 AND status='delivering' AND lease_owner=$2`, nil, `
		UPDATE webhookd.subscriptions
		SET total_deliveries=total_deliveries+1,
		    successful_deliveries=successful_deliveries+1,
		    last_delivery_at=$2, last_success_at=$2, updated_at=$2
		WHERE id=$1`)
}

func (s *Store) FinalizeRetry(ctx context.Context, d *webhook.Delivery, res webhook.AttemptResult, nextRetryAt, now time.Time) error {
	return s.finalize(ctx, d, res, now, webhook.StatusPending, `
		UPDATE webhookd.deliveries
		SET status='pending', attempt_count=attempt_count+1, next_retry_at=$7,
		    lease_owner=NULL, lease_expires_at=NULL,
		    response_status=$3, response_body=$4, error_message=$5,
		    updated_at=$6
		WHERE id=$1 AND status='delivering' AND lease_owner=$2`, &nextRetryAt, `
		UPDATE webhookd.subscriptions
		SET total_deliveries=total_deliveries+1, updated_at=$2
		WHERE id=$1`)
}

func (s *Store) FinalizeExhausted(ctx context.Context, d *webhook.Delivery, res webhook.AttemptResult, now time.Time) error {
	return s.finalize(ctx, d, res, now, webhook.StatusExhausted, `
		UPDATE webhookd.deliveries
		SET status='exhausted', attempt_count=attempt_count+1, next_retry_at=NULL,
		    lease_owner=NULL, lease_expires_at=NULL,
		    response_status=$3, response_body=$4, error_message=$5,
		    failed_at=$6, updated_at=$6
		WHERE id=$1 AND status='delivering' AND lease_owner=$2`, nil, `
		UPDATE webhookd.subscriptions
		SET total_deliveries=total_deliveries+1,
		    failed_deliveries=failed_deliveries+1,
		    last_failure_at=$2, updated_at=$2
		WHERE id=$1`)
}

// finalize runs the delivery transition and the counter increment in one
// transaction, guarded by lease ownership. If the guard matches no row the
// lease was reclaimed and ErrLeaseLost is returned without committing.
func (s *Store) finalize(ctx context.Context, d *webhook.Delivery, res webhook.AttemptResult, now time.Time, newStatus webhook.DeliveryStatus, deliverySQL string, nextRetryAt *time.Time, subscriptionSQL string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	args := []any{d.ID, d.LeaseOwner, nullInt(res.StatusCode), res.Body, res.Error, now}
	if nextRetryAt != nil {
		args = append(args, *nextRetryAt)
	}
	ct, err := tx.Exec(ctx, deliverySQL, args...)
	if err != nil {
		return fmt.Errorf("finalize delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return webhook.ErrLeaseLost
	}

	if _, err := tx.Exec(ctx, subscriptionSQL, d.SubscriptionID, now); err != nil {
		return fmt.Errorf("update subscription counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}

	applyFinalized(d, res, newStatus, nextRetryAt, now)
	return nil
}

func (s *Store) Backlog(ctx context.Context, now time.Time) (due, delivering int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending' AND next_retry_at <= $1),
			COUNT(*) FILTER (WHERE status = 'delivering')
		FROM webhookd.deliveries`, now,
	).Scan(&due, &delivering)
	return due, delivering, err
}

// --- helpers ---

// applyFinalized mirrors the committed transition onto the in-memory row.
func applyFinalized(d *webhook.Delivery, res webhook.AttemptResult, newStatus webhook.DeliveryStatus, nextRetryAt *time.Time, now time.Time) {
	d.AttemptCount++
	d.Status = newStatus
	d.LeaseOwner = ""
	d.LeaseExpiresAt = nil
	d.ErrorMessage = res.Error
	d.ResponseBody = res.Body
	if res.StatusCode != 0 {
		status := res.StatusCode
		d.ResponseStatusCode = &status
	} else {
		d.ResponseStatusCode = nil
	}
	d.UpdatedAt = now
	if nextRetryAt != nil {
		next := *nextRetryAt
		d.NextRetryAt = &next
	} else {
		d.NextRetryAt = nil
	}
	switch newStatus {
	case webhook.StatusDelivered:
		at := now
		d.DeliveredAt = &at
	case webhook.StatusExhausted:
		at := now
		d.FailedAt = &at
	}
}

func scanSubscription(row pgx.Row) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Name, &sub.Description, &sub.URL, &sub.Secret,
		&sub.Active, &sub.EventTypes, &sub.MaxRetries, &sub.RetryDelaySeconds,
		&sub.TotalDeliveries, &sub.SuccessfulDeliveries, &sub.FailedDeliveries,
		&sub.LastDeliveryAt, &sub.LastSuccessAt, &sub.LastFailureAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]*webhook.Subscription, error) {
	var out []*webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (*webhook.Delivery, error) {
	var (
		d          webhook.Delivery
		status     string
		payload    []byte
		leaseOwner *string
		replayOf   *string
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.TenantID, &d.EventType, &payload, &d.URL,
		&status, &d.AttemptCount, &d.NextRetryAt, &leaseOwner, &d.LeaseExpiresAt,
		&d.ResponseStatusCode, &d.ResponseBody, &d.ErrorMessage, &replayOf,
		&d.DeliveredAt, &d.FailedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = webhook.DeliveryStatus(status)
	d.Payload = payload
	if leaseOwner != nil {
		d.LeaseOwner = *leaseOwner
	}
	if replayOf != nil {
		d.ReplayOf = *replayOf
	}
	return &d, nil
}

func qualifiedDeliveryColumns(alias string) string {
	return alias + `.id, ` + alias + `.subscription_id, ` + alias + `.event_id, ` +
		alias + `.tenant_id, ` + alias + `.event_type, ` + alias + `.payload, ` + alias + `.url, ` +
		alias + `.status, ` + alias + `.attempt_count, ` + alias + `.next_retry_at, ` +
		alias + `.lease_owner, ` + alias + `.lease_expires_at, ` +
		alias + `.response_status, ` + alias + `.response_body, ` + alias + `.error_message, ` +
		alias + `.replay_of, ` + alias + `.delivered_at, ` + alias + `.failed_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
