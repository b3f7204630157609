package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// WEBHOOK REGISTRATIONS — per topic×shop bookkeeping with failure counters
// ============================================================================

// Registration failure threshold: above this many consecutive failures the
// registration is marked failed until a success resets it.
const maxRegistrationFailures = 5

// Registration is one topic subscription on the upstream commerce API.
type Registration struct {
	ID           string
	TenantID     string
	ShopDomain   string
	Topic        string
	ExternalID   string
	Status       string
	FailureCount int
	UpdatedAt    time.Time
}

// UpsertRegistration records a (shop, topic) registration as active.
func (r *Registry) UpsertRegistration(ctx context.Context, tenantID, shopDomain, topic, externalID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_registrations (id, tenant_id, shop_domain, topic, external_id, status, failure_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', 0, now())
		ON CONFLICT (shop_domain, topic) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			status = 'active',
			failure_count = 0,
			updated_at = now()`,
		uuid.NewString(), tenantID, shopDomain, topic, externalID)
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

// MarkRegistrationsDeleted marks every registration for a shop as deleted.
// Called when the app is uninstalled.
func (r *Registry) MarkRegistrationsDeleted(ctx context.Context, shopDomain string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_registrations SET status = 'deleted', updated_at = now()
		WHERE shop_domain = $1`, shopDomain)
	if err != nil {
		return fmt.Errorf("delete registrations: %w", err)
	}
	return nil
}

// recordFailureQuery inserts the row when the topic has never registered, so
// failures count from the very first attempt and the threshold can trip even
// when registration never succeeded.
const recordFailureQuery = `
	INSERT INTO webhook_registrations (id, tenant_id, shop_domain, topic, status, failure_count, updated_at)
	VALUES ($1, $2, $3, $4, 'pending', 1, now())
	ON CONFLICT (shop_domain, topic) DO UPDATE SET
		failure_count = webhook_registrations.failure_count + 1,
		status = CASE WHEN webhook_registrations.failure_count + 1 > $5
		         THEN 'failed' ELSE webhook_registrations.status END,
		updated_at = now()`

// RecordRegistrationFailure increments the failure counter, inserting the
// row when the topic has never registered; past the threshold the
// registration flips to failed.
func (r *Registry) RecordRegistrationFailure(ctx context.Context, tenantID, shopDomain, topic string) error {
	_, err := r.db.ExecContext(ctx, recordFailureQuery,
		uuid.NewString(), tenantID, shopDomain, topic, maxRegistrationFailures)
	if err != nil {
		return fmt.Errorf("record registration failure: %w", err)
	}
	return nil
}

// RecordRegistrationSuccess zeroes the failure counter and reactivates.
func (r *Registry) RecordRegistrationSuccess(ctx context.Context, shopDomain, topic string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_registrations
		SET failure_count = 0, status = 'active', updated_at = now()
		WHERE shop_domain = $1 AND topic = $2`,
		shopDomain, topic)
	if err != nil {
		return fmt.Errorf("record registration success: %w", err)
	}
	return nil
}

// ListRegistrations returns the registration rollup for a tenant.
func (r *Registry) ListRegistrations(ctx context.Context, tenantID string) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, shop_domain, topic, external_id, status, failure_count, updated_at
		FROM webhook_registrations
		WHERE tenant_id = $1
		ORDER BY topic`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var reg Registration
		if err := rows.Scan(&reg.ID, &reg.TenantID, &reg.ShopDomain, &reg.Topic,
			&reg.ExternalID, &reg.Status, &reg.FailureCount, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}
