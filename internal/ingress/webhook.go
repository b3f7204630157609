// Package ingress is the HTTP front door for inbound events: commerce
// webhooks and inbound email. Both pipelines share the same spine: resolve
// the tenant, verify the signature, reserve the idempotency key, dispatch,
// and record the outcome. Once an event is reserved the provider always gets
// a 200, so delivery retries stop while failures are retried internally.
package ingress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/database"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/eventlog"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/metrics"
	"github.com/storelane/backend/internal/registry"
)

const maxWebhookBody = 2 << 20 // 2 MiB

// Provider headers on commerce webhook deliveries.
const (
	headerTopic     = "X-Shopify-Topic"
	headerShop      = "X-Shopify-Shop-Domain"
	headerSignature = "X-Shopify-Hmac-Sha256"
	headerWebhookID = "X-Shopify-Webhook-Id"
	headerEventID   = "X-Shopify-Event-Id"
	headerAPIVer    = "X-Shopify-API-Version"
)

// WebhookPipeline handles POST /webhooks/shopify.
type WebhookPipeline struct {
	cfg        *config.Config
	db         *database.DB
	registry   *registry.Registry
	sealer     *crypto.Sealer
	dispatcher *dispatch.Registry
	emitter    events.Emitter
	logger     *log.Logger
}

// NewWebhookPipeline wires the commerce webhook front door.
func NewWebhookPipeline(cfg *config.Config, db *database.DB, reg *registry.Registry,
	sealer *crypto.Sealer, dispatcher *dispatch.Registry, emitter events.Emitter) *WebhookPipeline {
	return &WebhookPipeline{
		cfg:        cfg,
		db:         db,
		registry:   reg,
		sealer:     sealer,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

func (p *WebhookPipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		metrics.EventsReceived.WithLabelValues("commerce", "bad_request").Inc()
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}

	topic := r.Header.Get(headerTopic)
	shopDomain := r.Header.Get(headerShop)
	signature := r.Header.Get(headerSignature)
	if topic == "" || shopDomain == "" || signature == "" {
		metrics.EventsReceived.WithLabelValues("commerce", "bad_request").Inc()
		http.Error(w, "missing webhook headers", http.StatusBadRequest)
		return
	}

	ref, err := p.registry.ResolveByShop(r.Context(), shopDomain)
	if err != nil {
		p.logger.Printf("❌ Tenant resolution failed for %s: %v", shopDomain, err)
		http.Error(w, "tenant resolution failed", http.StatusInternalServerError)
		return
	}
	if ref == nil {
		metrics.EventsReceived.WithLabelValues("commerce", "unknown_origin").Inc()
		ackUnknownOrigin(w)
		return
	}

	secret, err := p.webhookSecret(r.Context(), ref.TenantID)
	if err != nil {
		p.logger.Printf("❌ Secret lookup failed for tenant %s: %v", ref.TenantID, err)
		http.Error(w, "credential lookup failed", http.StatusInternalServerError)
		return
	}

	if !crypto.VerifyWebhookSignature(body, signature, secret) {
		// Counted, never logged
		metrics.SignatureFailures.WithLabelValues("commerce").Inc()
		metrics.EventsReceived.WithLabelValues("commerce", "bad_signature").Inc()
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	key, err := idempotencyKey(topic, shopDomain, r.Header.Get(headerWebhookID), body)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("commerce", "bad_request").Inc()
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	ev := &eventlog.Event{
		ShopDomain:      shopDomain,
		Topic:           topic,
		ExternalEventID: r.Header.Get(headerEventID),
		Payload:         body,
		Verified:        true,
		IdempotencyKey:  key,
		Headers: map[string]string{
			headerTopic:     topic,
			headerShop:      shopDomain,
			headerWebhookID: r.Header.Get(headerWebhookID),
			headerEventID:   r.Header.Get(headerEventID),
			headerAPIVer:    r.Header.Get(headerAPIVer),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestDeadline)
	defer cancel()

	inserted, existing, err := reserve(ctx, p.db, ref.TenantSlug, ev)
	if err != nil {
		p.logger.Printf("❌ Reserve failed for %s %s: %v", shopDomain, topic, err)
		http.Error(w, "event reservation failed", http.StatusInternalServerError)
		return
	}
	if !inserted {
		metrics.EventsReceived.WithLabelValues("commerce", "duplicate").Inc()
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "already processed", "event_id": existing.ID,
		})
		return
	}

	// Reserved: from here on the provider always gets a 200
	p.registry.TouchLastWebhook(ctx, ref.TenantID)
	outcome := RunDispatch(ctx, p.db, p.dispatcher, p.emitter, dispatch.Event{
		EventID:    ev.ID,
		TenantID:   ref.TenantID,
		TenantSlug: ref.TenantSlug,
		ShopDomain: shopDomain,
		Topic:      topic,
		Payload:    body,
	})
	metrics.EventsReceived.WithLabelValues("commerce", outcome).Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": outcome, "event_id": ev.ID})
}

// webhookSecret opens the tenant's sealed per-connection secret, falling back
// to the app-global secret when the connection has none.
func (p *WebhookPipeline) webhookSecret(ctx context.Context, tenantID string) (string, error) {
	creds, err := p.registry.GetSealedCredentials(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if creds.WebhookSecretSealed == "" {
		return p.cfg.CommerceWebhookSecret, nil
	}
	secret, err := p.sealer.OpenString(creds.WebhookSecretSealed)
	if err != nil {
		return "", fmt.Errorf("open webhook secret: %w", err)
	}
	return secret, nil
}

// idempotencyKey builds the commerce key. GDPR data requests get a fixed key
// so the audit row is unique per (customer, shop).
func idempotencyKey(topic, shopDomain, webhookID string, body []byte) (string, error) {
	if topic == dispatch.TopicCustomersDataReq {
		var p struct {
			Customer struct {
				ID int64 `json:"id"`
			} `json:"customer"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return "", err
		}
		return eventlog.GDPRDataRequestKey(strconv.FormatInt(p.Customer.ID, 10), shopDomain), nil
	}

	var p struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return "", err
	}
	resourceID := p.ID.String()
	if resourceID == "" {
		// Payloads without a root id (e.g. shop/redact) fall back to the
		// provider's delivery id
		resourceID = shopDomain
	}
	return eventlog.CommerceKey(topic, resourceID, webhookID), nil
}

// reserve inserts the event row inside a short-lived tenant scope.
func reserve(ctx context.Context, db *database.DB, tenantSlug string, ev *eventlog.Event) (bool, *eventlog.Event, error) {
	var inserted bool
	var existing *eventlog.Event
	err := db.WithTenant(ctx, tenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		inserted, existing, err = eventlog.Reserve(ctx, tx, ev)
		return err
	})
	return inserted, existing, err
}

// RunDispatch fans the event out, finalizes its status, and emits the
// platform outcome event. Returns the outcome label: completed or failed.
func RunDispatch(ctx context.Context, db *database.DB, dispatcher *dispatch.Registry,
	emitter events.Emitter, ev dispatch.Event) string {

	start := time.Now()
	result := dispatcher.Dispatch(ctx, ev)
	metrics.DispatchDuration.WithLabelValues(ev.Topic).Observe(time.Since(start).Seconds())

	outcome := "completed"
	var reason string
	if ctx.Err() != nil {
		outcome, reason = "failed", "deadline"
	} else if !result.OK() {
		outcome, reason = "failed", result.FirstError().Error()
		for _, f := range result.Failures {
			metrics.HandlerFailures.WithLabelValues(ev.Topic, f.Handler).Inc()
		}
	}

	// Finalize with a fresh context: the deadline that killed the dispatch
	// must not also block recording the failure
	markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := db.WithTenant(markCtx, ev.TenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		if outcome == "completed" {
			return eventlog.MarkCompleted(ctx, tx, ev.EventID)
		}
		return eventlog.MarkFailed(ctx, tx, ev.EventID, reason)
	})
	if err != nil {
		log.Printf("[WEBHOOK] ❌ Finalizing event %d failed: %v", ev.EventID, err)
	}

	if emitter != nil {
		eventType := events.TypeIngestCompleted
		if outcome == "failed" {
			eventType = events.TypeIngestFailed
		}
		emitter.Emit(eventType, ev.TenantID, ev.Topic, map[string]any{
			"event_id":    ev.EventID,
			"topic":       ev.Topic,
			"shop_domain": ev.ShopDomain,
			"handlers":    result.Handlers,
		})
	}
	return outcome
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ackUnknownOrigin answers deliveries from unrecognized origins. A plain 200
// ack stops provider retries without revealing what is registered.
func ackUnknownOrigin(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
