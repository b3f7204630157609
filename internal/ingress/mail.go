package ingress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/storelane/backend/internal/classifier"
	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/database"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/eventlog"
	"github.com/storelane/backend/internal/events"
	"github.com/storelane/backend/internal/mail"
	"github.com/storelane/backend/internal/metrics"
	"github.com/storelane/backend/internal/registry"
)

const maxMailBody = 10 << 20 // attachments ride inline, so the cap is larger

// Svix signature headers on inbound mail deliveries.
const (
	headerMailID        = "svix-id"
	headerMailTimestamp = "svix-timestamp"
	headerMailSignature = "svix-signature"
)

// MailPipeline handles POST /webhooks/email.
type MailPipeline struct {
	cfg        *config.Config
	db         *database.DB
	registry   *registry.Registry
	sealer     *crypto.Sealer
	dispatcher *dispatch.Registry
	emitter    events.Emitter
	limiter    *RateLimiter
	overrides  *config.Manager
	logger     *log.Logger
	now        func() time.Time
}

// NewMailPipeline wires the inbound email front door.
func NewMailPipeline(cfg *config.Config, db *database.DB, reg *registry.Registry,
	sealer *crypto.Sealer, dispatcher *dispatch.Registry, emitter events.Emitter,
	limiter *RateLimiter, overrides *config.Manager) *MailPipeline {
	return &MailPipeline{
		cfg:        cfg,
		db:         db,
		registry:   reg,
		sealer:     sealer,
		dispatcher: dispatcher,
		emitter:    emitter,
		limiter:    limiter,
		overrides:  overrides,
		logger:     log.New(log.Writer(), "[MAIL] ", log.LstdFlags),
		now:        time.Now,
	}
}

func (p *MailPipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMailBody))
	if err != nil {
		metrics.EventsReceived.WithLabelValues("mail", "bad_request").Inc()
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(headerMailID)
	msgTS := r.Header.Get(headerMailTimestamp)
	msgSig := r.Header.Get(headerMailSignature)

	// With an app-global secret the signature gate runs before anything else
	// touches the body. Without one the secret is per tenant, so verification
	// has to wait until the route is resolved.
	globalSecret := p.cfg.EmailWebhookSecret
	if globalSecret != "" &&
		!crypto.VerifyMailSignature(msgID, msgTS, body, msgSig, globalSecret, p.now()) {
		metrics.SignatureFailures.WithLabelValues("mail").Inc()
		metrics.EventsReceived.WithLabelValues("mail", "bad_signature").Inc()
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var msg mail.Inbound
	if err := json.Unmarshal(body, &msg); err != nil {
		metrics.EventsReceived.WithLabelValues("mail", "bad_request").Inc()
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}
	if msg.To == "" || msg.From == "" {
		metrics.EventsReceived.WithLabelValues("mail", "bad_request").Inc()
		http.Error(w, "missing to/from", http.StatusBadRequest)
		return
	}

	route, err := p.registry.ResolveByInboundAddress(r.Context(), msg.To)
	if err != nil {
		p.logger.Printf("❌ Route resolution failed for %s: %v", msg.To, err)
		http.Error(w, "route resolution failed", http.StatusInternalServerError)
		return
	}
	if route == nil {
		metrics.EventsReceived.WithLabelValues("mail", "unknown_origin").Inc()
		ackUnknownOrigin(w)
		return
	}

	if globalSecret == "" {
		secret, err := p.tenantMailSecret(route)
		if err != nil {
			p.logger.Printf("❌ Mail secret lookup for tenant %s: %v", route.TenantID, err)
			http.Error(w, "credential lookup failed", http.StatusInternalServerError)
			return
		}
		if !crypto.VerifyMailSignature(msgID, msgTS, body, msgSig, secret, p.now()) {
			metrics.SignatureFailures.WithLabelValues("mail").Inc()
			metrics.EventsReceived.WithLabelValues("mail", "bad_signature").Inc()
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
	}

	tunables := p.overrides.Get(route.TenantID)
	rate := tunables.MailRatePerMinute
	sender := strings.ToLower(msg.From)
	if !p.limiter.Allow(r.Context(), "tenant:"+route.TenantID, rate) ||
		!p.limiter.Allow(r.Context(), "sender:"+route.TenantID+":"+sender, perSenderRate(rate)) {
		metrics.EventsReceived.WithLabelValues("mail", "rate_limited").Inc()
		w.Header().Set("Retry-After", "60")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	externalID := msg.EmailID
	if externalID == "" {
		externalID = msgID
	}

	topic := "mail/" + route.Purpose
	key := eventlog.MailKey(msgID, msg.From, msg.To, msg.MessageID)
	ev := &eventlog.Event{
		Topic:           topic,
		ExternalEventID: externalID,
		Payload:         body,
		Verified:        true,
		IdempotencyKey:  key,
		Headers: map[string]string{
			headerMailID:        msgID,
			headerMailTimestamp: msgTS,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestDeadline)
	defer cancel()

	inserted, existing, err := reserve(ctx, p.db, route.TenantSlug, ev)
	if err != nil {
		p.logger.Printf("❌ Reserve failed for %s: %v", topic, err)
		http.Error(w, "event reservation failed", http.StatusInternalServerError)
		return
	}
	if !inserted {
		metrics.EventsReceived.WithLabelValues("mail", "duplicate").Inc()
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "already processed", "event_id": existing.ID,
		})
		return
	}

	// Classification gates dispatch: auto-replies and spam are recorded and
	// ignored, never handled
	if reason, ignored := p.classify(&msg, tunables.SpamThreshold); ignored {
		if err := p.markIgnored(ctx, route.TenantSlug, ev.ID, reason); err != nil {
			p.logger.Printf("❌ Marking event %d ignored: %v", ev.ID, err)
		}
		metrics.EventsReceived.WithLabelValues("mail", "ignored").Inc()
		if p.emitter != nil {
			p.emitter.Emit(events.TypeIngestIgnored, route.TenantID, topic, map[string]any{
				"event_id": ev.ID, "reason": reason,
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": reason})
		return
	}

	outcome := RunDispatch(ctx, p.db, p.dispatcher, p.emitter, dispatch.Event{
		EventID:    ev.ID,
		TenantID:   route.TenantID,
		TenantSlug: route.TenantSlug,
		Topic:      topic,
		Payload:    body,
	})
	metrics.EventsReceived.WithLabelValues("mail", outcome).Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": outcome, "event_id": ev.ID})
}

// tenantMailSecret opens the sealed per-address signing secret. Used only
// when no app-global secret is configured.
func (p *MailPipeline) tenantMailSecret(route *registry.InboundRoute) (string, error) {
	if route.SigningSecretSealed == "" {
		return "", nil // verification fails on the empty secret
	}
	secret, err := p.sealer.OpenString(route.SigningSecretSealed)
	if err != nil {
		return "", fmt.Errorf("open mail signing secret: %w", err)
	}
	return secret, nil
}

// classify returns (reason, true) when the message must not be dispatched.
func (p *MailPipeline) classify(msg *mail.Inbound, spamThreshold float64) (string, bool) {
	body := msg.Body()
	if auto, reason := classifier.IsAutoReply(msg.From, msg.Subject, body, msg.Headers); auto {
		return "auto-reply: " + reason, true
	}
	if score := classifier.SpamScore(msg.From, msg.Subject, body); score >= spamThreshold {
		return fmt.Sprintf("spam score %.2f >= %.2f", score, spamThreshold), true
	}
	return "", false
}

func (p *MailPipeline) markIgnored(ctx context.Context, tenantSlug string, eventID int64, reason string) error {
	return p.db.WithTenant(ctx, tenantSlug, func(ctx context.Context, tx *sql.Tx) error {
		return eventlog.MarkIgnored(ctx, tx, eventID, reason)
	})
}

// perSenderRate caps a single sender at a tenth of the tenant budget, never
// below 5 per minute.
func perSenderRate(tenantRate int) int {
	r := tenantRate / 10
	if r < 5 {
		r = 5
	}
	return r
}
