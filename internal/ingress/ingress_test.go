package ingress

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storelane/backend/internal/config"
	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/mail"
	"github.com/storelane/backend/internal/metrics"
	"github.com/storelane/backend/internal/registry"
)

var _ = metrics.EventsReceived // metrics registry initialized by import

// ============================================================================
// WEBHOOK PIPELINE — request validation before any storage access
// ============================================================================

func TestWebhookRejectsMissingHeaders(t *testing.T) {
	p := NewWebhookPipeline(&config.Config{}, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(`{"id":1}`))
	req.Header.Set(headerTopic, "orders/create")
	// No shop domain, no signature
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIdempotencyKey(t *testing.T) {
	key, err := idempotencyKey("orders/create", "demo.myshopify.com", "wh-1", []byte(`{"id":100001}`))
	require.NoError(t, err)
	assert.Equal(t, "orders/create:100001:wh-1", key)

	// GDPR data requests get the fixed per-(customer, shop) key
	key, err = idempotencyKey("customers/data_request", "demo.myshopify.com", "wh-2",
		[]byte(`{"customer":{"id":207119551}}`))
	require.NoError(t, err)
	assert.Equal(t, "gdpr-data-request:207119551:demo.myshopify.com", key)

	// Payloads without a root id fall back to the shop domain
	key, err = idempotencyKey("shop/redact", "demo.myshopify.com", "wh-3",
		[]byte(`{"shop_domain":"demo.myshopify.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "shop/redact:demo.myshopify.com:wh-3", key)

	_, err = idempotencyKey("orders/create", "demo.myshopify.com", "wh-4", []byte(`not json`))
	assert.Error(t, err)
}

// ============================================================================
// MAIL PIPELINE — signature gate and classification
// ============================================================================

func TestMailRejectsBadSignature(t *testing.T) {
	cfg := &config.Config{EmailWebhookSecret: "whsec_dGVzdC1zZWNyZXQ="}
	mgr, err := config.NewManager(cfg, "")
	require.NoError(t, err)
	p := NewMailPipeline(cfg, nil, nil, nil, nil, nil, NewRateLimiter(nil), mgr)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(`{}`))
	req.Header.Set(headerMailID, "msg_1")
	req.Header.Set(headerMailTimestamp, "1750000000")
	req.Header.Set(headerMailSignature, "v1,bm90LXRoZS1yZWFsLXNpZ25hdHVyZQ==")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMailAcceptsValidSignatureShape(t *testing.T) {
	secret := "whsec_dGVzdC1zZWNyZXQ="
	body := []byte(`{"to":"","from":""}`)
	now := time.Unix(1750000000, 0)
	sig := crypto.SignMailMessage("msg_1", "1750000000", body, secret)

	cfg := &config.Config{EmailWebhookSecret: secret}
	mgr, err := config.NewManager(cfg, "")
	require.NoError(t, err)
	p := NewMailPipeline(cfg, nil, nil, nil, nil, nil, NewRateLimiter(nil), mgr)
	p.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(string(body)))
	req.Header.Set(headerMailID, "msg_1")
	req.Header.Set(headerMailTimestamp, "1750000000")
	req.Header.Set(headerMailSignature, "v1,"+sig)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	// Signature passes; missing to/from is the next gate
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMailSignatureHeaderNames(t *testing.T) {
	// These are the svix header names the mail provider actually sends;
	// anything else and every delivery fails verification
	assert.Equal(t, "svix-id", headerMailID)
	assert.Equal(t, "svix-timestamp", headerMailTimestamp)
	assert.Equal(t, "svix-signature", headerMailSignature)
}

func TestMailClassifyGates(t *testing.T) {
	p := &MailPipeline{}

	reason, ignored := p.classify(&mail.Inbound{
		From:    "bob@example.com",
		Subject: "Out of office: back Monday",
	}, 0.5)
	assert.True(t, ignored)
	assert.Contains(t, reason, "auto-reply")

	// The body alone carries the auto-reply marker
	reason, ignored = p.classify(&mail.Inbound{
		From:    "bob@example.com",
		Subject: "Re: your order",
		Text:    "I am out of office until the 15th with limited email access.",
	}, 0.5)
	assert.True(t, ignored)
	assert.Contains(t, reason, "auto-reply")

	reason, ignored = p.classify(&mail.Inbound{
		From:    "promo@deals.example",
		Subject: "YOU HAVE WON!!!! CLAIM YOUR PRIZE",
		Text:    "FREE MONEY!!!! Act now, limited time offer. Click here to collect your guaranteed returns.",
	}, 0.3)
	assert.True(t, ignored)
	assert.Contains(t, reason, "spam score")

	_, ignored = p.classify(&mail.Inbound{
		From:    "carol@vendor.example",
		Subject: "March invoice",
		Text:    "Please find the invoice attached. Total: $120.00",
	}, 0.5)
	assert.False(t, ignored)
}

func TestTenantMailSecretFallback(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)

	sealed, err := sealer.SealString("whsec_dGVuYW50LXNlY3JldA==")
	require.NoError(t, err)

	p := &MailPipeline{sealer: sealer}

	secret, err := p.tenantMailSecret(&registry.InboundRoute{SigningSecretSealed: sealed})
	require.NoError(t, err)
	assert.Equal(t, "whsec_dGVuYW50LXNlY3JldA==", secret)

	// No stored secret: verification runs against the empty secret and fails
	secret, err = p.tenantMailSecret(&registry.InboundRoute{})
	require.NoError(t, err)
	assert.Empty(t, secret)
}

func TestUnknownOriginAck(t *testing.T) {
	rec := httptest.NewRecorder()
	ackUnknownOrigin(rec)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// ============================================================================
// RATE LIMITER — local window behavior
// ============================================================================

func TestRateLimiterLocalWindow(t *testing.T) {
	rl := NewRateLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(ctx, "tenant:t1", 5), "request %d within limit", i+1)
	}
	assert.False(t, rl.Allow(ctx, "tenant:t1", 5), "sixth request over limit")

	// Other keys are unaffected
	assert.True(t, rl.Allow(ctx, "tenant:t2", 5))

	// Zero limit disables the check
	assert.True(t, rl.Allow(ctx, "tenant:t1", 0))
}

func TestRateLimiterNeverLogsKeys(t *testing.T) {
	var buf bytes.Buffer
	rl := &RateLimiter{
		local:  make(map[string]*rateWindow),
		logger: log.New(&buf, "", 0),
	}
	ctx := context.Background()

	// Sender keys carry email addresses, so violations stay out of the logs
	key := "sender:t1:alice@example.com"
	for i := 0; i < 3; i++ {
		rl.Allow(ctx, key, 2)
	}
	assert.False(t, rl.Allow(ctx, key, 2))
	assert.NotContains(t, buf.String(), "alice@example.com")
	assert.Empty(t, buf.String())
}

func TestPerSenderRate(t *testing.T) {
	assert.Equal(t, 30, perSenderRate(300))
	assert.Equal(t, 5, perSenderRate(20))
	assert.Equal(t, 5, perSenderRate(0))
}
