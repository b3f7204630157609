package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/jobs"
)

// ============================================================================
// LIFECYCLE AND GDPR EVENTS
// ============================================================================

// handleAppUninstalled tears down the connection: credentials are nulled,
// registrations flagged deleted. Tenant data is retained until a shop/redact
// arrives or the operator purges it.
func (d *Deps) handleAppUninstalled(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	if err := d.Registry.MarkConnectionDisconnected(ctx, ev.TenantID, ev.ShopDomain); err != nil {
		return fmt.Errorf("disconnect %s: %w", ev.ShopDomain, err)
	}
	if err := d.Registry.MarkRegistrationsDeleted(ctx, ev.ShopDomain); err != nil {
		return fmt.Errorf("retire registrations for %s: %w", ev.ShopDomain, err)
	}
	d.Logger.Printf("App uninstalled: %s disconnected", ev.ShopDomain)
	// Deferred housekeeping (scheduled sends, pixel configs) runs as a job so
	// the disconnect itself stays fast
	return jobs.Spool(ctx, tx, JobShopCleanup, map[string]string{"shop_domain": ev.ShopDomain})
}

type redactPayload struct {
	ShopDomain string `json:"shop_domain"`
	Customer   struct {
		ID int64 `json:"id"`
	} `json:"customer"`
	Orders []int64 `json:"orders_to_redact"`
}

// handleCustomersRedact anonymizes the customer exactly like a
// customers/delete, plus rewrites the email on the named orders to the same
// deterministic sentinel so aggregates still group per customer.
func (d *Deps) handleCustomersRedact(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p redactPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode redact payload: %w", err)
	}
	externalID := strconv.FormatInt(p.Customer.ID, 10)

	if err := anonymizeCustomer(ctx, tx, externalID); err != nil {
		return err
	}
	sentinel := AnonymizedEmail(externalID)
	for _, orderID := range p.Orders {
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET email = $2 WHERE external_id = $1`,
			strconv.FormatInt(orderID, 10), sentinel); err != nil {
			return fmt.Errorf("redact order %d: %w", orderID, err)
		}
	}
	return nil
}

// handleShopRedact schedules the full purge of the shop's tenant data. The
// purge itself runs as a job; the 48-hour delivery delay the provider applies
// means the connection is long gone by the time this arrives.
func (d *Deps) handleShopRedact(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p struct {
		ShopDomain string `json:"shop_domain"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode shop redact payload: %w", err)
	}
	if err := d.Registry.MarkConnectionDeleted(ctx, ev.TenantID, p.ShopDomain); err != nil {
		return fmt.Errorf("mark connection deleted for %s: %w", p.ShopDomain, err)
	}
	return jobs.Spool(ctx, tx, JobShopPurge, map[string]string{"shop_domain": p.ShopDomain})
}

// handleCustomersDataRequest spools the export job. The event log row, keyed
// by the fixed data-request idempotency key, is itself the compliance audit
// record of receipt.
func (d *Deps) handleCustomersDataRequest(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p struct {
		ShopDomain string `json:"shop_domain"`
		Customer   struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode data request payload: %w", err)
	}
	return jobs.Spool(ctx, tx, JobDataRequestExport, map[string]string{
		"customer_external_id": strconv.FormatInt(p.Customer.ID, 10),
		"shop_domain":          p.ShopDomain,
	})
}
