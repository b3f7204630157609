package commerce

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storelane/backend/internal/crypto"
	"github.com/storelane/backend/internal/database"
)

// ============================================================================
// OAUTH INSTALL FLOW
// ============================================================================

const stateTTL = 10 * time.Minute

var (
	ErrStateInvalid  = errors.New("oauth state invalid or expired")
	ErrHMACInvalid   = errors.New("oauth callback hmac invalid")
	ErrStaleCallback = errors.New("oauth callback timestamp outside tolerance")
)

// OAuth drives the install handshake: state issuance, callback validation,
// and the code-for-token exchange.
type OAuth struct {
	db           *database.DB
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewOAuth builds the flow helper around the registry database.
func NewOAuth(db *database.DB, clientID, clientSecret string) *OAuth {
	return &OAuth{
		db:           db,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// BeginInstall issues a single-use state nonce bound to the shop and returns
// the provider authorize URL to redirect the merchant to.
func (o *OAuth) BeginInstall(ctx context.Context, tenantID, shopDomain, redirectURI, scopes string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(nonce)

	var tid any
	if tenantID != "" {
		tid = tenantID
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, tenant_id, shop_domain, redirect_uri, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		state, tid, strings.ToLower(shopDomain), redirectURI, time.Now().Add(stateTTL))
	if err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", o.clientID)
	q.Set("scope", scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return fmt.Sprintf("https://%s/admin/oauth/authorize?%s", shopDomain, q.Encode()), nil
}

// CallbackGrant is what a validated callback yields.
type CallbackGrant struct {
	TenantID   string
	ShopDomain string
	Code       string
}

// ValidateCallback checks the callback query's HMAC, timestamp, and state.
// The state row is consumed atomically so a replayed callback fails.
func (o *OAuth) ValidateCallback(ctx context.Context, query url.Values, now time.Time) (*CallbackGrant, error) {
	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}

	if !crypto.VerifyOAuthQuery(params, query.Get("hmac"), o.clientSecret) {
		return nil, ErrHMACInvalid
	}
	// A missing timestamp is stale, not exempt: without one a captured
	// callback could be replayed indefinitely
	if err := crypto.CheckOAuthTimestamp(query.Get("timestamp"), now); err != nil {
		return nil, ErrStaleCallback
	}

	shopDomain := strings.ToLower(query.Get("shop"))
	var tenantID sql.NullString
	var storedShop string
	err := o.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states
		WHERE state = $1 AND expires_at > now()
		RETURNING COALESCE(tenant_id::text, ''), shop_domain`,
		query.Get("state")).Scan(&tenantID.String, &storedShop)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if storedShop != shopDomain {
		return nil, ErrStateInvalid
	}

	return &CallbackGrant{
		TenantID:   tenantID.String,
		ShopDomain: shopDomain,
		Code:       query.Get("code"),
	}, nil
}

// ExchangeCode trades the authorization code for a permanent access token.
// The caller seals the token immediately; it must not be logged or stored
// in the clear.
func (o *OAuth) ExchangeCode(ctx context.Context, shopDomain, code string) (token, scope string, err error) {
	form := url.Values{}
	form.Set("client_id", o.clientID)
	form.Set("client_secret", o.clientSecret)
	form.Set("code", code)

	endpoint := fmt.Sprintf("https://%s/admin/oauth/access_token", shopDomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("token exchange: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", "", fmt.Errorf("token exchange: empty access token")
	}
	return out.AccessToken, out.Scope, nil
}
