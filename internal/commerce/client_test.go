package commerce

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterWebhookRejectsProtectedTopics(t *testing.T) {
	c := NewClient("2026-01")

	for _, topic := range []string{
		"customers/redact", "shop/redact", "customers/data_request",
		"mail/treasury", "mail/support",
	} {
		_, err := c.RegisterWebhook(context.Background(),
			"demo.myshopify.com", "token", topic, "https://app.example/webhooks/shopify")
		assert.Error(t, err, topic)
	}
}

func TestURLCarriesAPIVersion(t *testing.T) {
	c := NewClient("2026-01")
	assert.Equal(t,
		"https://demo.myshopify.com/admin/api/2026-01/webhooks.json",
		c.url("demo.myshopify.com", "/webhooks.json"))
}
