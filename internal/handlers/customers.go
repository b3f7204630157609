package handlers

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/jobs"
)

// ============================================================================
// CUSTOMER EVENTS
// ============================================================================

type customerPayload struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Addresses []struct {
		ID       int64  `json:"id"`
		Address1 string `json:"address1"`
		Address2 string `json:"address2"`
		City     string `json:"city"`
		Province string `json:"province"`
		Country  string `json:"country"`
		Zip      string `json:"zip"`
	} `json:"addresses"`
}

func (p *customerPayload) externalID() string { return strconv.FormatInt(p.ID, 10) }

func (d *Deps) handleCustomerUpsert(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p customerPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode customer payload: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO customers (external_id, email, first_name, last_name, phone, synced_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), now())
		ON CONFLICT (external_id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone,
			synced_at = now()`,
		p.externalID(), p.Email, p.FirstName, p.LastName, p.Phone)
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", p.externalID(), err)
	}

	// Addresses are replaced wholesale, same as order line items
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM customer_addresses WHERE customer_external_id = $1`, p.externalID()); err != nil {
		return fmt.Errorf("clear addresses for customer %s: %w", p.externalID(), err)
	}
	for _, a := range p.Addresses {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customer_addresses
				(customer_external_id, external_id, address1, address2, city, province, country, zip)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.externalID(), strconv.FormatInt(a.ID, 10),
			a.Address1, a.Address2, a.City, a.Province, a.Country, a.Zip)
		if err != nil {
			return fmt.Errorf("insert address %d: %w", a.ID, err)
		}
	}

	return jobs.Spool(ctx, tx, JobCustomerSync,
		map[string]string{"customer_external_id": p.externalID()})
}

// AnonymizedEmail builds the deterministic redaction sentinel for a customer.
// The hash keeps the column unique without retaining the original address.
func AnonymizedEmail(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return "redacted+" + hex.EncodeToString(sum[:])[:12] + "@anonymized.invalid"
}

// anonymizeCustomer overwrites PII in place and hard-deletes addresses. The
// customer row itself survives so order history keeps its foreign reference.
func anonymizeCustomer(ctx context.Context, tx *sql.Tx, externalID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE customers
		SET email = $2, first_name = 'Redacted', last_name = 'Customer',
		    phone = NULL, synced_at = now()
		WHERE external_id = $1`,
		externalID, AnonymizedEmail(externalID))
	if err != nil {
		return fmt.Errorf("anonymize customer %s: %w", externalID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM customer_addresses WHERE customer_external_id = $1`, externalID); err != nil {
		return fmt.Errorf("delete addresses for customer %s: %w", externalID, err)
	}
	return nil
}

func (d *Deps) handleCustomerDelete(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	var p customerPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode customer payload: %w", err)
	}
	return anonymizeCustomer(ctx, tx, p.externalID())
}
