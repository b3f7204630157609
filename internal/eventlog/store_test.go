package eventlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommerceKey(t *testing.T) {
	assert.Equal(t, "orders/create:100001:wh-1", CommerceKey("orders/create", "100001", "wh-1"))

	// No provider-assigned webhook id
	assert.Equal(t, "orders/create:100001", CommerceKey("orders/create", "100001", ""))
}

func TestMailKey(t *testing.T) {
	key := MailKey("in_42", "Sender@Example.COM", "Treasury@Tenant.App", "<abc@mail>")
	parts := strings.Split(key, ":")
	assert.Len(t, parts, 4)
	assert.Equal(t, "in_42", parts[0])
	assert.Equal(t, "sender@example.com", parts[1], "sender is lower-cased")
	assert.Equal(t, "treasury@tenant.app", parts[2])
	assert.Len(t, parts[3], 16, "message id is hashed to a bounded component")

	// Same inputs → same key; message id change → different key
	assert.Equal(t, key, MailKey("in_42", "sender@example.com", "treasury@tenant.app", "<abc@mail>"))
	assert.NotEqual(t, key, MailKey("in_42", "sender@example.com", "treasury@tenant.app", "<def@mail>"))
}

func TestGDPRDataRequestKey(t *testing.T) {
	assert.Equal(t,
		"gdpr-data-request:207119551:demo.myshopify.com",
		GDPRDataRequestKey("207119551", "demo.myshopify.com"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
