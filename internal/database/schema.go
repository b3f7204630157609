package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// SCHEMA BOOTSTRAP — registry schema + per-tenant isolated schemas
// ============================================================================

var registryDDL = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id          UUID PRIMARY KEY,
		slug        TEXT NOT NULL UNIQUE,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS shop_connections (
		id                    UUID PRIMARY KEY,
		tenant_id             UUID NOT NULL REFERENCES tenants(id),
		shop_domain           TEXT NOT NULL,
		access_token_sealed   TEXT,
		webhook_secret_sealed TEXT,
		scopes                TEXT NOT NULL DEFAULT '',
		api_version           TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT 'active',
		last_webhook_at       TIMESTAMPTZ,
		last_sync_at          TIMESTAMPTZ,
		installed_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, shop_domain)
	)`,
	`CREATE INDEX IF NOT EXISTS shop_connections_domain_idx
		ON shop_connections (shop_domain) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS inbound_addresses (
		id                    UUID PRIMARY KEY,
		tenant_id             UUID NOT NULL REFERENCES tenants(id),
		address               TEXT NOT NULL UNIQUE,
		purpose               TEXT NOT NULL DEFAULT 'general',
		display_name          TEXT NOT NULL DEFAULT '',
		signing_secret_sealed TEXT,
		enabled               BOOLEAN NOT NULL DEFAULT true,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
		state        TEXT PRIMARY KEY,
		tenant_id    UUID,
		shop_domain  TEXT NOT NULL,
		redirect_uri TEXT NOT NULL DEFAULT '',
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admin_api_keys (
		key_id       TEXT PRIMARY KEY,
		tenant_id    UUID NOT NULL REFERENCES tenants(id),
		name         TEXT NOT NULL,
		key_hash     TEXT NOT NULL,
		scopes       TEXT NOT NULL DEFAULT '',
		is_active    BOOLEAN NOT NULL DEFAULT true,
		expires_at   TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_registrations (
		id            UUID PRIMARY KEY,
		tenant_id     UUID NOT NULL REFERENCES tenants(id),
		shop_domain   TEXT NOT NULL,
		topic         TEXT NOT NULL,
		external_id   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'active',
		failure_count INT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (shop_domain, topic)
	)`,
}

// tenantDDL is applied inside each tenant schema. Statements run with
// search_path pinned to the schema, so table names are unqualified.
var tenantDDL = []string{
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id                BIGSERIAL PRIMARY KEY,
		shop_domain       TEXT NOT NULL DEFAULT '',
		topic             TEXT NOT NULL,
		external_event_id TEXT,
		payload           JSONB NOT NULL,
		verified          BOOLEAN NOT NULL DEFAULT false,
		status            TEXT NOT NULL DEFAULT 'pending',
		processed_at      TIMESTAMPTZ,
		error_message     TEXT,
		retry_count       INT NOT NULL DEFAULT 0,
		idempotency_key   TEXT NOT NULL UNIQUE,
		received_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		headers           JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_events_status_idx ON webhook_events (status, received_at)`,
	`CREATE INDEX IF NOT EXISTS webhook_events_topic_idx ON webhook_events (topic, received_at)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                   BIGSERIAL PRIMARY KEY,
		external_id          TEXT NOT NULL UNIQUE,
		name                 TEXT NOT NULL DEFAULT '',
		email                TEXT,
		currency             TEXT NOT NULL DEFAULT '',
		gross_sales_minor    BIGINT NOT NULL DEFAULT 0,
		discounts_minor      BIGINT NOT NULL DEFAULT 0,
		net_sales_minor      BIGINT NOT NULL DEFAULT 0,
		taxes_minor          BIGINT NOT NULL DEFAULT 0,
		total_minor          BIGINT NOT NULL DEFAULT 0,
		refunded_minor       BIGINT NOT NULL DEFAULT 0,
		financial_status     TEXT NOT NULL DEFAULT '',
		fulfillment_status   TEXT NOT NULL DEFAULT '',
		customer_external_id TEXT,
		cancelled_at         TIMESTAMPTZ,
		synced_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS order_line_items (
		id                   BIGSERIAL PRIMARY KEY,
		order_external_id    TEXT NOT NULL,
		external_id          TEXT NOT NULL,
		title                TEXT NOT NULL DEFAULT '',
		sku                  TEXT NOT NULL DEFAULT '',
		quantity             INT NOT NULL DEFAULT 0,
		price_minor          BIGINT NOT NULL DEFAULT 0,
		discount_minor       BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS order_line_items_order_idx ON order_line_items (order_external_id)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id          BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		email       TEXT,
		first_name  TEXT NOT NULL DEFAULT '',
		last_name   TEXT NOT NULL DEFAULT '',
		phone       TEXT,
		synced_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS customer_addresses (
		id                   BIGSERIAL PRIMARY KEY,
		customer_external_id TEXT NOT NULL,
		external_id          TEXT NOT NULL DEFAULT '',
		address1             TEXT NOT NULL DEFAULT '',
		address2             TEXT NOT NULL DEFAULT '',
		city                 TEXT NOT NULL DEFAULT '',
		province             TEXT NOT NULL DEFAULT '',
		country              TEXT NOT NULL DEFAULT '',
		zip                  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS customer_addresses_customer_idx ON customer_addresses (customer_external_id)`,
	`CREATE TABLE IF NOT EXISTS fulfillments (
		id                BIGSERIAL PRIMARY KEY,
		external_id       TEXT NOT NULL UNIQUE,
		order_external_id TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT '',
		tracking_number   TEXT NOT NULL DEFAULT '',
		tracking_company  TEXT NOT NULL DEFAULT '',
		synced_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id                BIGSERIAL PRIMARY KEY,
		external_id       TEXT NOT NULL UNIQUE,
		order_external_id TEXT NOT NULL,
		amount_minor      BIGINT NOT NULL DEFAULT 0,
		note              TEXT NOT NULL DEFAULT '',
		synced_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS refund_line_items (
		id                     BIGSERIAL PRIMARY KEY,
		refund_external_id     TEXT NOT NULL,
		line_item_external_id  TEXT NOT NULL,
		quantity               INT NOT NULL DEFAULT 0,
		subtotal_minor         BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id          BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		title       TEXT NOT NULL DEFAULT '',
		handle      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'active',
		synced_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		id           BIGSERIAL PRIMARY KEY,
		message_id   TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL DEFAULT '',
		subject      TEXT NOT NULL DEFAULT '',
		amount_minor BIGINT,
		receipt_date DATE,
		vendor       TEXT,
		status       TEXT NOT NULL DEFAULT 'received',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS receipt_attachments (
		id           BIGSERIAL PRIMARY KEY,
		receipt_id   BIGINT NOT NULL REFERENCES receipts(id),
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL DEFAULT 0,
		storage_url  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS treasury_communications (
		id               BIGSERIAL PRIMARY KEY,
		request_id       TEXT,
		direction        TEXT NOT NULL DEFAULT 'inbound',
		verdict          TEXT NOT NULL DEFAULT 'unclear',
		confidence       TEXT NOT NULL DEFAULT 'low',
		matched_keywords TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		from_address     TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id         BIGSERIAL PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		is_creator BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id              BIGSERIAL PRIMARY KEY,
		contact_id      BIGINT NOT NULL REFERENCES contacts(id),
		purpose         TEXT NOT NULL DEFAULT 'support',
		status          TEXT NOT NULL DEFAULT 'open',
		message_count   INT NOT NULL DEFAULT 0,
		last_inbound_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS thread_messages (
		id          BIGSERIAL PRIMARY KEY,
		thread_id   BIGINT NOT NULL REFERENCES threads(id),
		direction   TEXT NOT NULL DEFAULT 'inbound',
		message_id  TEXT NOT NULL DEFAULT '',
		in_reply_to TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		body_text   TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS thread_messages_mid_idx ON thread_messages (message_id)`,
	`CREATE TABLE IF NOT EXISTS job_outbox (
		id              BIGSERIAL PRIMARY KEY,
		topic           TEXT NOT NULL,
		payload         JSONB NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS job_outbox_pending_idx ON job_outbox (next_attempt_at) WHERE status = 'pending'`,
}

var schemaSlugRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// TenantSchemaName maps a tenant slug to its schema name. Slugs are created
// administratively and validated here before ever reaching SQL identifiers.
func TenantSchemaName(slug string) (string, error) {
	slug = strings.ToLower(slug)
	if !schemaSlugRE.MatchString(slug) {
		return "", fmt.Errorf("invalid tenant slug %q", slug)
	}
	return "tenant_" + slug, nil
}

// EnsureRegistrySchema applies the shared registry DDL.
func (db *DB) EnsureRegistrySchema(ctx context.Context) error {
	for _, stmt := range registryDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry ddl: %w", err)
		}
	}
	return nil
}

// EnsureTenantSchema creates the tenant's schema and its tables. Idempotent;
// called on tenant creation and on startup for known tenants.
func (db *DB) EnsureTenantSchema(ctx context.Context, slug string) error {
	schema, err := TenantSchemaName(slug)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %q`, schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SET search_path TO DEFAULT`)

	for _, stmt := range tenantDDL {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("tenant ddl (%s): %w", schema, err)
		}
	}
	return nil
}
