package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// SIGNATURE VERIFICATION — webhook bodies, OAuth queries, inbound mail
// ============================================================================

// MaxTimestampSkew is the tolerance applied to signed timestamps on the
// OAuth callback and the inbound-mail webhook.
const MaxTimestampSkew = 5 * time.Minute

// VerifyWebhookSignature checks a base64 HMAC-SHA256 tag over the exact raw
// request body. Any decode failure returns false; this function never errors
// so the ingress cannot leak failure detail.
func VerifyWebhookSignature(body []byte, claimedBase64 string, secret string) bool {
	if claimedBase64 == "" || secret == "" {
		return false
	}
	claimed, err := base64.StdEncoding.DecodeString(claimedBase64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(claimed, mac.Sum(nil))
}

// SignWebhookBody computes the base64 HMAC-SHA256 tag a provider would send.
// Used by tests and by outbound webhook registration verification.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyOAuthQuery checks the hex HMAC on an OAuth callback query string.
// Canonicalization: drop the hmac and signature parameters, sort the rest
// lexicographically by key, join as k=v with '&'.
func VerifyOAuthQuery(params map[string]string, claimedHex string, secret string) bool {
	if claimedHex == "" || secret == "" {
		return false
	}
	claimed, err := hex.DecodeString(claimedHex)
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	message := strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hmac.Equal(claimed, mac.Sum(nil))
}

// CheckOAuthTimestamp rejects callbacks whose signed timestamp drifts more
// than MaxTimestampSkew from wall clock. Secondary check; the HMAC already
// covers the timestamp parameter.
func CheckOAuthTimestamp(timestamp string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", timestamp)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxTimestampSkew {
		return fmt.Errorf("timestamp outside %s tolerance", MaxTimestampSkew)
	}
	return nil
}

// ============================================================================
// INBOUND MAIL (svix-style) SIGNATURES
// ============================================================================

// VerifyMailSignature checks a svix-style signature set over the message
// "id.timestamp.body". The secret may be raw or whsec_-prefixed base64.
// The header may carry several comma- or space-separated signatures, each
// optionally prefixed "v1,". Returns true if any candidate matches.
func VerifyMailSignature(id, timestamp string, body []byte, signatureHeader, secret string, now time.Time) bool {
	if id == "" || timestamp == "" || signatureHeader == "" || secret == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxTimestampSkew {
		return false
	}

	key := mailSecretBytes(secret)
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range strings.FieldsFunc(signatureHeader, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		candidate = strings.TrimPrefix(candidate, "v1,")
		candidate = strings.TrimPrefix(candidate, "v1 ")
		sig, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return true
		}
	}
	return false
}

// SignMailMessage produces the v1 signature for id.timestamp.body. Test-side
// counterpart of VerifyMailSignature.
func SignMailMessage(id, timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, mailSecretBytes(secret))
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mailSecretBytes(secret string) []byte {
	if strings.HasPrefix(secret, "whsec_") {
		if decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_")); err == nil {
			return decoded
		}
	}
	return []byte(secret)
}
