// Package eventlog persists inbound events per tenant. The event log doubles
// as the idempotency table: the unique idempotency key is what enforces
// at-most-once dispatch against at-least-once delivery.
package eventlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// EVENT LOG / IDEMPOTENCY STORE
// ============================================================================

// Event processing states. Transitions are monotonic (pending → completed |
// failed | ignored) except that a retried event re-enters pending.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusIgnored   = "ignored"
)

// Event is one row of the per-tenant webhook_events table.
type Event struct {
	ID              int64
	ShopDomain      string
	Topic           string
	ExternalEventID string
	Payload         json.RawMessage
	Verified        bool
	Status          string
	ProcessedAt     *time.Time
	ErrorMessage    string
	RetryCount      int
	IdempotencyKey  string
	ReceivedAt      time.Time
	Headers         map[string]string
}

// Querier is satisfied by *sql.Tx and *sql.Conn; all event log statements
// run inside a tenant scope.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reserve atomically inserts the event row with status=pending if its
// idempotency key is unseen. A duplicate returns inserted=false and the
// existing row in a single additional round-trip.
func Reserve(ctx context.Context, q Querier, ev *Event) (bool, *Event, error) {
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return false, nil, fmt.Errorf("marshal headers: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO webhook_events
			(shop_domain, topic, external_event_id, payload, verified, status, idempotency_key, headers)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, 'pending', $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, received_at`,
		ev.ShopDomain, ev.Topic, ev.ExternalEventID, []byte(ev.Payload), ev.Verified,
		ev.IdempotencyKey, headers)

	if err := row.Scan(&ev.ID, &ev.ReceivedAt); err == nil {
		ev.Status = StatusPending
		return true, nil, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("reserve event: %w", err)
	}

	existing, err := GetByIdempotencyKey(ctx, q, ev.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// MarkCompleted finalizes a successfully dispatched event.
func MarkCompleted(ctx context.Context, q Querier, eventID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'completed', processed_at = now(), error_message = NULL
		WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed records the first captured handler error against the event.
func MarkFailed(ctx context.Context, q Querier, eventID int64, message string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'failed', processed_at = now(), error_message = $2
		WHERE id = $1`, eventID, truncate(message, 2000))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkIgnored records an event that was intentionally not dispatched
// (auto-reply, spam).
func MarkIgnored(ctx context.Context, q Querier, eventID int64, reason string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'ignored', processed_at = now(), error_message = $2
		WHERE id = $1`, eventID, truncate(reason, 2000))
	if err != nil {
		return fmt.Errorf("mark ignored: %w", err)
	}
	return nil
}

// MarkPendingForRetry re-enters a failed event into pending and bumps the
// retry counter by exactly one. The idempotency key is unchanged; no new
// row is inserted.
func MarkPendingForRetry(ctx context.Context, q Querier, eventID int64) (*Event, error) {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'pending', retry_count = retry_count + 1,
		    processed_at = NULL, error_message = NULL
		WHERE id = $1 AND status = 'failed'`, eventID)
	if err != nil {
		return nil, fmt.Errorf("mark pending for retry: %w", err)
	}
	return GetByID(ctx, q, eventID)
}

// GetByID loads one event.
func GetByID(ctx context.Context, q Querier, eventID int64) (*Event, error) {
	return scanEvent(q.QueryRowContext(ctx, selectEvent+` WHERE id = $1`, eventID))
}

// GetByIdempotencyKey loads the event holding the key, or nil.
func GetByIdempotencyKey(ctx context.Context, q Querier, key string) (*Event, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, selectEvent+` WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, err
	}
	return ev, nil
}

const selectEvent = `
	SELECT id, shop_domain, topic, COALESCE(external_event_id, ''), payload, verified,
	       status, processed_at, COALESCE(error_message, ''), retry_count,
	       idempotency_key, received_at, headers
	FROM webhook_events`

func scanEvent(row *sql.Row) (*Event, error) {
	var ev Event
	var payload, headers []byte
	err := row.Scan(&ev.ID, &ev.ShopDomain, &ev.Topic, &ev.ExternalEventID, &payload,
		&ev.Verified, &ev.Status, &ev.ProcessedAt, &ev.ErrorMessage, &ev.RetryCount,
		&ev.IdempotencyKey, &ev.ReceivedAt, &headers)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Payload = payload
	if len(headers) > 0 {
		json.Unmarshal(headers, &ev.Headers)
	}
	return &ev, nil
}

// ============================================================================
// IDEMPOTENCY KEY CONSTRUCTION
// ============================================================================

// CommerceKey builds the key for a commerce webhook:
// topic:resourceID[:webhookID].
func CommerceKey(topic, resourceID, webhookID string) string {
	key := topic + ":" + resourceID
	if webhookID != "" {
		key += ":" + webhookID
	}
	return key
}

// MailKey builds the key for an inbound mail event. The message id is
// hashed so arbitrarily long Message-ID headers produce a bounded key.
func MailKey(inboundID, sender, toAddress, messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return strings.Join([]string{
		inboundID,
		strings.ToLower(sender),
		strings.ToLower(toAddress),
		hex.EncodeToString(sum[:])[:16],
	}, ":")
}

// GDPRDataRequestKey builds the fixed audit key for a customer data request.
func GDPRDataRequestKey(customerID, shopDomain string) string {
	return "gdpr-data-request:" + customerID + ":" + shopDomain
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
