package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/storelane/backend/internal/commerce"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/registry"
)

// ============================================================================
// OAUTH INSTALL FLOW
// ============================================================================

// defaultScopes requested at install time.
const defaultScopes = "read_orders,read_products,read_customers,read_fulfillments"

// requiredTopics are registered against every newly connected shop. GDPR
// topics are configured in the partner dashboard and never appear here.
var requiredTopics = []string{
	dispatch.TopicOrdersCreate,
	dispatch.TopicOrdersUpdated,
	dispatch.TopicOrdersPaid,
	dispatch.TopicOrdersCancelled,
	dispatch.TopicOrdersFulfilled,
	dispatch.TopicProductsCreate,
	dispatch.TopicProductsUpdate,
	dispatch.TopicProductsDelete,
	dispatch.TopicCustomersCreate,
	dispatch.TopicCustomersUpdate,
	dispatch.TopicCustomersDelete,
	dispatch.TopicRefundsCreate,
	dispatch.TopicFulfillCreate,
	dispatch.TopicFulfillUpdate,
	dispatch.TopicAppUninstalled,
}

// handleBeginInstall issues the provider authorize URL for the caller's
// tenant.
func (s *Server) handleBeginInstall(w http.ResponseWriter, r *http.Request) {
	ref := tenantFrom(r)
	var req struct {
		ShopDomain  string `json:"shop_domain"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShopDomain == "" {
		writeError(w, http.StatusBadRequest, "shop_domain required")
		return
	}

	authorizeURL, err := s.oauth.BeginInstall(r.Context(), ref.TenantID, req.ShopDomain,
		req.RedirectURI, defaultScopes)
	if err != nil {
		s.logger.Printf("❌ Begin install for %s: %v", req.ShopDomain, err)
		writeError(w, http.StatusInternalServerError, "install initiation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": authorizeURL})
}

// handleOAuthCallback completes the handshake: validates the callback,
// exchanges the code, seals the token, records the connection, and registers
// the required webhook topics.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	grant, err := s.oauth.ValidateCallback(r.Context(), r.URL.Query(), time.Now())
	switch {
	case errors.Is(err, commerce.ErrHMACInvalid), errors.Is(err, commerce.ErrStaleCallback):
		writeError(w, http.StatusUnauthorized, "callback verification failed")
		return
	case errors.Is(err, commerce.ErrStateInvalid):
		writeError(w, http.StatusBadRequest, "state invalid or expired")
		return
	case err != nil:
		s.logger.Printf("❌ OAuth callback validation: %v", err)
		writeError(w, http.StatusInternalServerError, "callback validation failed")
		return
	}

	token, scope, err := s.oauth.ExchangeCode(r.Context(), grant.ShopDomain, grant.Code)
	if err != nil {
		s.logger.Printf("❌ Token exchange for %s: %v", grant.ShopDomain, err)
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}

	// Seal immediately; the plaintext token does not outlive this handler
	sealed, err := s.sealer.SealString(token)
	if err != nil {
		s.logger.Printf("❌ Sealing token for %s: %v", grant.ShopDomain, err)
		writeError(w, http.StatusInternalServerError, "credential sealing failed")
		return
	}

	conn := &registry.Connection{
		TenantID:          grant.TenantID,
		ShopDomain:        grant.ShopDomain,
		AccessTokenSealed: sealed,
		Scopes:            splitScopes(scope),
		APIVersion:        s.cfg.CommerceAPIVersion,
		Status:            registry.ConnectionActive,
	}
	if err := s.registry.UpsertConnection(r.Context(), conn); err != nil {
		s.logger.Printf("❌ Recording connection for %s: %v", grant.ShopDomain, err)
		writeError(w, http.StatusInternalServerError, "connection recording failed")
		return
	}

	// Webhook registration happens in the background so a slow provider API
	// cannot fail the install
	go s.registerRequiredWebhooks(grant.TenantID, grant.ShopDomain, token)

	s.logger.Printf("✅ Shop connected: %s", grant.ShopDomain)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "connected", "shop_domain": grant.ShopDomain,
	})
}

// handleWebhookSync reconciles the shop's provider-side registrations with
// requiredTopics.
func (s *Server) handleWebhookSync(w http.ResponseWriter, r *http.Request) {
	ref := tenantFrom(r)
	conn, err := s.registry.GetConnection(r.Context(), ref.TenantID)
	if err != nil || conn == nil {
		writeError(w, http.StatusNotFound, "no active connection")
		return
	}
	token, err := s.sealer.OpenString(conn.AccessTokenSealed)
	if err != nil {
		s.logger.Printf("❌ Opening credentials for %s: %v", conn.ShopDomain, err)
		writeError(w, http.StatusInternalServerError, "credential unseal failed")
		return
	}

	s.registerRequiredWebhooks(ref.TenantID, conn.ShopDomain, token)
	regs, err := s.registry.ListRegistrations(r.Context(), ref.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing registrations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": regs})
}

// registerRequiredWebhooks registers each required topic, recording outcomes
// per registration. Existing registrations are tolerated.
func (s *Server) registerRequiredWebhooks(tenantID, shopDomain, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	callbackURL := s.cfg.PublicBaseURL + "/webhooks/shopify"
	for _, topic := range requiredTopics {
		wh, err := s.client.RegisterWebhook(ctx, shopDomain, token, topic, callbackURL)
		if err != nil {
			s.logger.Printf("⚠️ Registering %s for %s failed: %v", topic, shopDomain, err)
			if rerr := s.registry.RecordRegistrationFailure(ctx, tenantID, shopDomain, topic); rerr != nil {
				s.logger.Printf("⚠️ Recording failure for %s: %v", topic, rerr)
			}
			continue
		}
		externalID := ""
		if wh != nil {
			externalID = formatWebhookID(wh.ID)
		}
		if err := s.registry.UpsertRegistration(ctx, tenantID, shopDomain, topic, externalID); err != nil {
			s.logger.Printf("⚠️ Recording registration %s: %v", topic, err)
		}
	}
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	parts := strings.Split(scope, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func formatWebhookID(id int64) string {
	return strconv.FormatInt(id, 10)
}
