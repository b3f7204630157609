// Package commerce talks to the commerce platform's Admin API on behalf of a
// connected shop: webhook registration lifecycle, shop metadata, and product
// lookups. Access tokens are passed in per call and never retained.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const accessTokenHeader = "X-Shopify-Access-Token"

// Topics that must never be registered through the API. GDPR topics are
// mandated through the partner dashboard; mail topics are not commerce
// webhooks at all.
var unregistrableTopics = map[string]bool{
	"customers/redact":       true,
	"shop/redact":            true,
	"customers/data_request": true,
	"mail/treasury":          true,
	"mail/receipts":          true,
	"mail/support":           true,
	"mail/creator":           true,
}

// Client is a thin Admin API client pinned to one API version.
type Client struct {
	httpClient *http.Client
	apiVersion string
	logger     *log.Logger
}

// NewClient builds a client for the given Admin API version, e.g. "2026-01".
func NewClient(apiVersion string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiVersion: apiVersion,
		logger:     log.New(log.Writer(), "[COMMERCE] ", log.LstdFlags),
	}
}

func (c *Client) url(shopDomain, path string) string {
	return fmt.Sprintf("https://%s/admin/api/%s%s", shopDomain, c.apiVersion, path)
}

func (c *Client) do(ctx context.Context, method, shopDomain, accessToken, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(shopDomain, path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(accessTokenHeader, accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: credentials rejected (%d)", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// ============================================================================
// WEBHOOK REGISTRATION
// ============================================================================

// Webhook is one provider-side webhook registration.
type Webhook struct {
	ID      int64  `json:"id"`
	Topic   string `json:"topic"`
	Address string `json:"address"`
	Format  string `json:"format"`
}

// RegisterWebhook creates a webhook subscription pointing at callbackURL.
// GDPR and mail topics are rejected before any network call.
func (c *Client) RegisterWebhook(ctx context.Context, shopDomain, accessToken, topic, callbackURL string) (*Webhook, error) {
	if unregistrableTopics[topic] {
		return nil, fmt.Errorf("topic %s cannot be registered via the API", topic)
	}

	var out struct {
		Webhook Webhook `json:"webhook"`
	}
	body := map[string]any{
		"webhook": map[string]string{
			"topic":   topic,
			"address": callbackURL,
			"format":  "json",
		},
	}
	if err := c.do(ctx, http.MethodPost, shopDomain, accessToken, "/webhooks.json", body, &out); err != nil {
		return nil, err
	}
	c.logger.Printf("Registered webhook %s for %s (id=%d)", topic, shopDomain, out.Webhook.ID)
	return &out.Webhook, nil
}

// ListWebhooks returns the shop's current subscriptions.
func (c *Client) ListWebhooks(ctx context.Context, shopDomain, accessToken string) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.do(ctx, http.MethodGet, shopDomain, accessToken, "/webhooks.json", nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

// DeleteWebhook removes one subscription by provider id.
func (c *Client) DeleteWebhook(ctx context.Context, shopDomain, accessToken string, webhookID int64) error {
	path := fmt.Sprintf("/webhooks/%d.json", webhookID)
	return c.do(ctx, http.MethodDelete, shopDomain, accessToken, path, nil, nil)
}

// ============================================================================
// SHOP AND CATALOG LOOKUPS
// ============================================================================

// Shop is the subset of shop metadata the platform records at connect time.
type Shop struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Domain   string `json:"domain"`
	Currency string `json:"currency"`
	Timezone string `json:"iana_timezone"`
}

// GetShop fetches shop metadata.
func (c *Client) GetShop(ctx context.Context, shopDomain, accessToken string) (*Shop, error) {
	var out struct {
		Shop Shop `json:"shop"`
	}
	if err := c.do(ctx, http.MethodGet, shopDomain, accessToken, "/shop.json", nil, &out); err != nil {
		return nil, err
	}
	return &out.Shop, nil
}

// Product is the subset of catalog data used by sync jobs.
type Product struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Handle      string `json:"handle"`
	ProductType string `json:"product_type"`
	Status      string `json:"status"`
}

// GetProduct fetches one product by provider id.
func (c *Client) GetProduct(ctx context.Context, shopDomain, accessToken string, productID int64) (*Product, error) {
	var out struct {
		Product Product `json:"product"`
	}
	path := fmt.Sprintf("/products/%d.json", productID)
	if err := c.do(ctx, http.MethodGet, shopDomain, accessToken, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Product, nil
}
