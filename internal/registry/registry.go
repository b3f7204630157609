// Package registry maps external identifiers (shop domains, inbound email
// addresses) to tenant identity and holds the sealed credentials for each
// external-source connection.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storelane/backend/internal/database"
)

// ============================================================================
// TENANT REGISTRY
// ============================================================================

// Connection lifecycle states.
const (
	ConnectionActive       = "active"
	ConnectionSuspended    = "suspended"
	ConnectionDisconnected = "disconnected"
	ConnectionDeleted      = "deleted"
)

// Inbound address purposes.
const (
	PurposeTreasury = "treasury"
	PurposeReceipts = "receipts"
	PurposeSupport  = "support"
	PurposeCreator  = "creator"
	PurposeGeneral  = "general"
)

// ErrNotConnected indicates no usable connection exists for the tenant.
var ErrNotConnected = errors.New("tenant has no active connection")

// TenantRef identifies a resolved tenant.
type TenantRef struct {
	TenantID   string
	TenantSlug string
}

// Connection is one (tenant, shop) binding with sealed credentials.
type Connection struct {
	ID                  string
	TenantID            string
	ShopDomain          string
	AccessTokenSealed   string
	WebhookSecretSealed string
	Scopes              []string
	APIVersion          string
	Status              string
	LastWebhookAt       *time.Time
	LastSyncAt          *time.Time
	InstalledAt         time.Time
}

// Credentials is the sealed credential set handed to the ingress.
type Credentials struct {
	AccessTokenSealed   string
	WebhookSecretSealed string // empty → fall back to the app-global secret
	Scopes              []string
	APIVersion          string
}

// InboundRoute is the resolution result for an inbound email address.
type InboundRoute struct {
	TenantID            string
	TenantSlug          string
	Purpose             string
	AddressID           string
	DisplayName         string
	SigningSecretSealed string // empty → only the app-global secret can verify
}

// Registry is the Postgres-backed tenant registry with a process-local
// credential cache in front of the hot-path read.
type Registry struct {
	db     *database.DB
	creds  *credCache
	logger *log.Logger
}

// New creates a registry. cacheTTL bounds credential cache staleness.
func New(db *database.DB, cacheTTL time.Duration) *Registry {
	return &Registry{
		db:     db,
		creds:  newCredCache(cacheTTL),
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// ResolveByShop returns the tenant owning an active connection for the shop
// hostname, or nil when none exists.
func (r *Registry) ResolveByShop(ctx context.Context, shopDomain string) (*TenantRef, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT t.id, t.slug
		FROM shop_connections c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.shop_domain = $1 AND c.status = 'active' AND t.status = 'active'`,
		shopDomain)

	var ref TenantRef
	if err := row.Scan(&ref.TenantID, &ref.TenantSlug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve shop %s: %w", shopDomain, err)
	}
	return &ref, nil
}

// ResolveByInboundAddress resolves a recipient address to its tenant and
// purpose. Case-insensitive; the address must be enabled and the tenant
// active. Returns nil when unknown.
func (r *Registry) ResolveByInboundAddress(ctx context.Context, address string) (*InboundRoute, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT t.id, t.slug, a.purpose, a.id, a.display_name,
		       COALESCE(a.signing_secret_sealed, '')
		FROM inbound_addresses a
		JOIN tenants t ON t.id = a.tenant_id
		WHERE a.address = $1 AND a.enabled AND t.status = 'active'`,
		strings.ToLower(strings.TrimSpace(address)))

	var route InboundRoute
	if err := row.Scan(&route.TenantID, &route.TenantSlug, &route.Purpose, &route.AddressID,
		&route.DisplayName, &route.SigningSecretSealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve inbound address: %w", err)
	}
	return &route, nil
}

// GetConnection returns the tenant's connection, excluding disconnected and
// deleted rows. Returns nil when none exists.
func (r *Registry) GetConnection(ctx context.Context, tenantID string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, shop_domain,
		       COALESCE(access_token_sealed, ''), COALESCE(webhook_secret_sealed, ''),
		       scopes, api_version, status, last_webhook_at, last_sync_at, installed_at
		FROM shop_connections
		WHERE tenant_id = $1 AND status NOT IN ('disconnected', 'deleted')`,
		tenantID)
	return scanConnection(row)
}

// GetSealedCredentials returns the sealed credential set for the tenant's
// active connection, served from the cache when fresh.
func (r *Registry) GetSealedCredentials(ctx context.Context, tenantID string) (*Credentials, error) {
	if creds, ok := r.creds.get(tenantID); ok {
		return creds, nil
	}

	conn, err := r.GetConnection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != ConnectionActive {
		return nil, ErrNotConnected
	}

	creds := &Credentials{
		AccessTokenSealed:   conn.AccessTokenSealed,
		WebhookSecretSealed: conn.WebhookSecretSealed,
		Scopes:              conn.Scopes,
		APIVersion:          conn.APIVersion,
	}
	r.creds.put(tenantID, creds)
	return creds, nil
}

// UpsertConnection inserts or refreshes the (tenant, shop) connection with
// new sealed credentials. Invalidates the credential cache.
func (r *Registry) UpsertConnection(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Status == "" {
		conn.Status = ConnectionActive
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shop_connections
			(id, tenant_id, shop_domain, access_token_sealed, webhook_secret_sealed,
			 scopes, api_version, status, installed_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, now(), now())
		ON CONFLICT (tenant_id, shop_domain) DO UPDATE SET
			access_token_sealed = EXCLUDED.access_token_sealed,
			webhook_secret_sealed = EXCLUDED.webhook_secret_sealed,
			scopes = EXCLUDED.scopes,
			api_version = EXCLUDED.api_version,
			status = EXCLUDED.status,
			updated_at = now()`,
		conn.ID, conn.TenantID, conn.ShopDomain, conn.AccessTokenSealed,
		conn.WebhookSecretSealed, strings.Join(conn.Scopes, ","), conn.APIVersion, conn.Status)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}

	r.creds.invalidate(conn.TenantID)
	r.logger.Printf("Connection upserted: tenant=%s shop=%s", conn.TenantID, conn.ShopDomain)
	return nil
}

// MarkConnectionDisconnected marks the connection disconnected and clears
// its sealed credentials. The row is retained for audit.
func (r *Registry) MarkConnectionDisconnected(ctx context.Context, tenantID, shopDomain string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE shop_connections
		SET status = 'disconnected', access_token_sealed = NULL,
		    webhook_secret_sealed = NULL, updated_at = now()
		WHERE tenant_id = $1 AND shop_domain = $2`,
		tenantID, shopDomain)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	r.creds.invalidate(tenantID)
	return nil
}

// MarkConnectionDeleted soft-deletes the connection and clears credentials.
func (r *Registry) MarkConnectionDeleted(ctx context.Context, tenantID, shopDomain string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE shop_connections
		SET status = 'deleted', access_token_sealed = NULL,
		    webhook_secret_sealed = NULL, updated_at = now()
		WHERE tenant_id = $1 AND shop_domain = $2`,
		tenantID, shopDomain)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	r.creds.invalidate(tenantID)
	return nil
}

// TouchLastWebhook updates the connection's last-inbound timestamp.
// Last-writer-wins; the exact value is non-authoritative.
func (r *Registry) TouchLastWebhook(ctx context.Context, tenantID string) {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE shop_connections SET last_webhook_at = now()
		WHERE tenant_id = $1 AND status = 'active'`, tenantID); err != nil {
		r.logger.Printf("last-webhook touch failed for tenant %s: %v", tenantID, err)
	}
}

// ListTenantSlugs returns slugs of all active tenants. Used at startup to
// ensure tenant schemas exist.
func (r *Registry) ListTenantSlugs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT slug FROM tenants WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		slugs = append(slugs, s)
	}
	return slugs, rows.Err()
}

// ListTenants returns (id, slug) for all active tenants.
func (r *Registry) ListTenants(ctx context.Context) ([]TenantRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, slug FROM tenants WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []TenantRef
	for rows.Next() {
		var ref TenantRef
		if err := rows.Scan(&ref.TenantID, &ref.TenantSlug); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// TenantSlug resolves a tenant id to its slug.
func (r *Registry) TenantSlug(ctx context.Context, tenantID string) (string, error) {
	var slug string
	err := r.db.QueryRowContext(ctx, `SELECT slug FROM tenants WHERE id = $1`, tenantID).Scan(&slug)
	if err != nil {
		return "", fmt.Errorf("tenant slug: %w", err)
	}
	return slug, nil
}

func scanConnection(row *sql.Row) (*Connection, error) {
	var c Connection
	var scopes string
	err := row.Scan(&c.ID, &c.TenantID, &c.ShopDomain, &c.AccessTokenSealed,
		&c.WebhookSecretSealed, &scopes, &c.APIVersion, &c.Status,
		&c.LastWebhookAt, &c.LastSyncAt, &c.InstalledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	if scopes != "" {
		c.Scopes = strings.Split(scopes, ",")
	}
	return &c, nil
}
