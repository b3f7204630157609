package commerce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testClientSecret = "shpss_test_secret"

// signQuery computes the provider's hex HMAC over the canonical query form.
func signQuery(q url.Values, secret string) string {
	message := fmt.Sprintf("code=%s&shop=%s&state=%s&timestamp=%s",
		q.Get("code"), q.Get("shop"), q.Get("state"), q.Get("timestamp"))
	if q.Get("timestamp") == "" {
		message = fmt.Sprintf("code=%s&shop=%s&state=%s",
			q.Get("code"), q.Get("shop"), q.Get("state"))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidateCallbackRejectsBadHMAC(t *testing.T) {
	o := NewOAuth(nil, "client-id", testClientSecret)

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "authcode")
	q.Set("state", "nonce-1")
	q.Set("timestamp", fmt.Sprint(time.Now().Unix()))
	q.Set("hmac", "deadbeef")

	_, err := o.ValidateCallback(context.Background(), q, time.Now())
	assert.ErrorIs(t, err, ErrHMACInvalid)
}

func TestValidateCallbackRejectsMissingTimestamp(t *testing.T) {
	o := NewOAuth(nil, "client-id", testClientSecret)

	// Correctly signed but carrying no timestamp: without one a captured
	// callback could be replayed forever, so it is treated as stale
	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "authcode")
	q.Set("state", "nonce-1")
	q.Set("hmac", signQuery(q, testClientSecret))

	_, err := o.ValidateCallback(context.Background(), q, time.Now())
	assert.ErrorIs(t, err, ErrStaleCallback)
}

func TestValidateCallbackRejectsStaleTimestamp(t *testing.T) {
	o := NewOAuth(nil, "client-id", testClientSecret)
	now := time.Unix(1750000000, 0)

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "authcode")
	q.Set("state", "nonce-1")
	q.Set("timestamp", fmt.Sprint(now.Add(-time.Hour).Unix()))
	q.Set("hmac", signQuery(q, testClientSecret))

	_, err := o.ValidateCallback(context.Background(), q, now)
	assert.ErrorIs(t, err, ErrStaleCallback)
}
